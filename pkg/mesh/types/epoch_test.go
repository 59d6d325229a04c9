package types

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEpoch_CompareIsLexicographic(t *testing.T) {
	require.Equal(t, 0, Epoch{Time: 1, Nonce: 2}.Compare(Epoch{Time: 1, Nonce: 2}))
	require.Equal(t, -1, Epoch{Time: 1, Nonce: 9}.Compare(Epoch{Time: 2, Nonce: 0}))
	require.Equal(t, 1, Epoch{Time: 2, Nonce: 0}.Compare(Epoch{Time: 1, Nonce: 9}))
	require.Equal(t, -1, Epoch{Time: 1, Nonce: 1}.Compare(Epoch{Time: 1, Nonce: 2}))
	require.Equal(t, 1, Epoch{Time: 1, Nonce: 2}.Compare(Epoch{Time: 1, Nonce: 1}))
}

func TestEpoch_DistinctMintsAreTotallyOrdered(t *testing.T) {
	source := SystemEpochSource()
	for i := 0; i < 100; i++ {
		a := source.Mint()
		b := source.Mint()
		require.NotEqual(t, a, b)
		require.Equal(t, -b.Compare(a), a.Compare(b))
		require.NotEqual(t, 0, a.Compare(b))
	}
}

func TestEpoch_MonotoneClockOrdersMints(t *testing.T) {
	now := time.Unix(100, 0)
	source := &EpochSource{
		Now: func() time.Time {
			now = now.Add(time.Second)
			return now
		},
		Nonce: func() uint64 { return 42 },
	}
	first := source.Mint()
	second := source.Mint()
	require.Equal(t, -1, first.Compare(second))
}

func TestEpoch_CodecRoundTrip(t *testing.T) {
	epoch := Epoch{Time: 0xdeadbeefcafe, Nonce: 0x0123456789abcdef}
	var buf bytes.Buffer
	require.NoError(t, epoch.Write(&buf))
	require.Equal(t, 16, buf.Len())

	read, err := ReadEpoch(&buf)
	require.NoError(t, err)
	require.Equal(t, epoch, read)
}

func TestEpoch_CodecIsBigEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Epoch{Time: 1, Nonce: 2}.Write(&buf))
	expected := []byte{
		0, 0, 0, 0, 0, 0, 0, 1,
		0, 0, 0, 0, 0, 0, 0, 2,
	}
	require.Equal(t, expected, buf.Bytes())
}

func TestEpoch_ReadFailsOnShortInput(t *testing.T) {
	_, err := ReadEpoch(bytes.NewReader([]byte{1, 2, 3}))
	require.Error(t, err)
}

func TestEpoch_String(t *testing.T) {
	require.Equal(t, "(7, 13)", Epoch{Time: 7, Nonce: 13}.String())
}
