package types

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	mrand "math/rand"
	"sync"
	"time"
)

// Epoch identifies a single generation of the cluster. Every process
// that finished the bootstrap holding the same epoch belongs to the
// same generation and can safely talk to the others.
//
// Epochs are derived from the system time and therefore not guaranteed
// to be strictly increasing between mints; the protocol only needs the
// time to increase eventually. The nonce is uniformly random so two
// mints by different processes never compare as equal.
type Epoch struct {
	// Milliseconds since the Unix epoch at mint time.
	Time uint64

	// Random value to break ties between mints that observed
	// the same wall-clock.
	Nonce uint64
}

// Compare orders two epochs lexicographically, time first and
// nonce second. Returns -1, 0 or 1.
func (e Epoch) Compare(other Epoch) int {
	switch {
	case e.Time < other.Time:
		return -1
	case e.Time > other.Time:
		return 1
	case e.Nonce < other.Nonce:
		return -1
	case e.Nonce > other.Nonce:
		return 1
	default:
		return 0
	}
}

// Write serializes the epoch as two big-endian uint64 values,
// 16 bytes total.
func (e Epoch) Write(w io.Writer) error {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], e.Time)
	binary.BigEndian.PutUint64(buf[8:], e.Nonce)
	_, err := w.Write(buf[:])
	return err
}

// ReadEpoch deserializes an epoch previously written by Write.
func ReadEpoch(r io.Reader) (Epoch, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Epoch{}, err
	}
	return Epoch{
		Time:  binary.BigEndian.Uint64(buf[:8]),
		Nonce: binary.BigEndian.Uint64(buf[8:]),
	}, nil
}

func (e Epoch) String() string {
	return fmt.Sprintf("(%d, %d)", e.Time, e.Nonce)
}

// EpochSource produces new epochs. The clock and the nonce generator
// are pluggable so tests can drive a controllable, monotone clock.
type EpochSource struct {
	// Now returns the current wall-clock time.
	Now func() time.Time

	// Nonce returns a uniformly random value.
	Nonce func() uint64
}

// Mint produces a fresh epoch from the source.
func (s *EpochSource) Mint() Epoch {
	return Epoch{
		Time:  uint64(s.Now().UnixNano() / int64(time.Millisecond)),
		Nonce: s.Nonce(),
	}
}

var (
	nonceMutex sync.Mutex
	nonceRand  *mrand.Rand
)

// Nonces only need uniformity, not secrecy, so a math/rand generator
// seeded once from crypto/rand is enough.
func randomNonce() uint64 {
	nonceMutex.Lock()
	defer nonceMutex.Unlock()
	if nonceRand == nil {
		var seed [8]byte
		if _, err := rand.Read(seed[:]); err != nil {
			panic(fmt.Sprintf("failed seeding nonce generator: %v", err))
		}
		nonceRand = mrand.New(mrand.NewSource(int64(binary.BigEndian.Uint64(seed[:]))))
	}
	return nonceRand.Uint64()
}

// SystemEpochSource returns the source used outside of tests, reading
// the system clock and the process-wide nonce generator.
func SystemEpochSource() *EpochSource {
	return &EpochSource{
		Now:   time.Now,
		Nonce: randomNonce,
	}
}
