package core

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jabolina/go-mesh/pkg/mesh/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func testConfig(index int, addresses []string) *types.Config {
	return &types.Config{
		Index:         index,
		Addresses:     addresses,
		RetryInterval: 10 * time.Millisecond,
	}
}

// freePort reserves a loopback port by binding and closing it.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

type runResult struct {
	sockets []*Socket
	err     error
}

func runBootstrapper(ctx context.Context, t *testing.T, cfg *types.Config) <-chan runResult {
	t.Helper()
	b, err := NewBootstrapper(cfg)
	require.NoError(t, err)
	ch := make(chan runResult, 1)
	go func() {
		sockets, err := b.Run(ctx)
		ch <- runResult{sockets, err}
	}()
	return ch
}

func TestNewBootstrapper_Validation(t *testing.T) {
	_, err := NewBootstrapper(nil)
	require.Error(t, err)

	_, err = NewBootstrapper(&types.Config{Index: 0})
	require.Error(t, err)

	_, err = NewBootstrapper(&types.Config{Index: 2, Addresses: []string{"a:1", "b:2"}})
	require.Error(t, err)
}

func TestBootstrapper_SingleProcess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := testConfig(0, []string{fmt.Sprintf("127.0.0.1:%d", freePort(t))})
	res := <-runBootstrapper(ctx, t, cfg)
	require.NoError(t, res.err)
	require.Len(t, res.sockets, 1)
	require.Nil(t, res.sockets[0])
}

func TestBootstrapper_BindFailureIsFatal(t *testing.T) {
	port := freePort(t)
	occupier, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	require.NoError(t, err)
	defer occupier.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := testConfig(0, []string{fmt.Sprintf("127.0.0.1:%d", port)})
	cfg.BindAttempts = 3
	res := <-runBootstrapper(ctx, t, cfg)
	require.Error(t, res.err)
	require.True(t, types.IsFatal(res.err))
}

func TestBootstrapper_BindRetriesUntilPortFrees(t *testing.T) {
	port := freePort(t)
	occupier, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := testConfig(0, []string{fmt.Sprintf("127.0.0.1:%d", port)})
	cfg.RetryInterval = 50 * time.Millisecond

	go func() {
		time.Sleep(150 * time.Millisecond)
		occupier.Close()
	}()

	res := <-runBootstrapper(ctx, t, cfg)
	require.NoError(t, res.err)
	require.Len(t, res.sockets, 1)
}

// Wire helpers for driving the listener side of the protocol by hand.

func dialUntilUp(t *testing.T, address string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", address)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer at %s never came up", address)
	return nil
}

func writeU64(t *testing.T, conn net.Conn, v uint64) error {
	t.Helper()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := conn.Write(buf[:])
	return err
}

func readEpoch(conn net.Conn) (types.Epoch, error) {
	var buf [16]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return types.Epoch{}, err
	}
	return types.Epoch{
		Time:  binary.BigEndian.Uint64(buf[:8]),
		Nonce: binary.BigEndian.Uint64(buf[8:]),
	}, nil
}

func writeEpoch(t *testing.T, conn net.Conn, e types.Epoch) error {
	t.Helper()
	if err := writeU64(t, conn, e.Time); err != nil {
		return err
	}
	return writeU64(t, conn, e.Nonce)
}

// handshakeAs runs one full dial-side handshake announcing the given
// index and echoing whatever epoch the listener presents. Returns the
// connection and the learned epoch, or an error when the listener tore
// the attempt down mid-exchange.
func handshakeAs(t *testing.T, address string, index uint64) (net.Conn, types.Epoch, error) {
	t.Helper()
	conn := dialUntilUp(t, address)
	if err := writeU64(t, conn, index); err != nil {
		conn.Close()
		return nil, types.Epoch{}, err
	}
	epoch, err := readEpoch(conn)
	if err != nil {
		conn.Close()
		return nil, types.Epoch{}, err
	}
	if err := writeEpoch(t, conn, epoch); err != nil {
		conn.Close()
		return nil, types.Epoch{}, err
	}
	return conn, epoch, nil
}

func handshakeEventually(t *testing.T, address string, index uint64) (net.Conn, types.Epoch) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, epoch, err := handshakeAs(t, address, index)
		if err == nil {
			return conn, epoch
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("handshake never succeeded")
	return nil, types.Epoch{}
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestBootstrapper_StrayIndexIsDropped(t *testing.T) {
	port := freePort(t)
	address := fmt.Sprintf("127.0.0.1:%d", port)
	registry := prometheus.NewRegistry()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := testConfig(0, []string{address, "127.0.0.1:1"})
	cfg.Registerer = registry
	results := runBootstrapper(ctx, t, cfg)

	// Announce an index the listener can never accept from.
	stray := dialUntilUp(t, address)
	require.NoError(t, writeU64(t, stray, 17))
	stray.Close()

	conn, _ := handshakeEventually(t, address, 1)
	defer conn.Close()

	res := <-results
	require.NoError(t, res.err)
	require.Len(t, res.sockets, 2)
	require.Nil(t, res.sockets[0])
	require.NotNil(t, res.sockets[1])
	// The stray connection must not have torn the attempt down.
	require.Equal(t, 1.0, counterValue(t, registry, "mesh_bootstrap_attempts_total"))
	closeSockets(res.sockets)
}

func TestBootstrapper_SmallerEpochDroppedWithoutRestart(t *testing.T) {
	port := freePort(t)
	address := fmt.Sprintf("127.0.0.1:%d", port)
	registry := prometheus.NewRegistry()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := testConfig(0, []string{address, "127.0.0.1:1"})
	cfg.Registerer = registry
	results := runBootstrapper(ctx, t, cfg)

	// Pose as a member of a dead, smaller generation.
	doomed := dialUntilUp(t, address)
	require.NoError(t, writeU64(t, doomed, 1))
	epoch, err := readEpoch(doomed)
	require.NoError(t, err)
	stale := types.Epoch{Time: epoch.Time - 1, Nonce: epoch.Nonce}
	require.NoError(t, writeEpoch(t, doomed, stale))
	doomed.Close()

	// The current generation keeps accepting.
	conn, learned := handshakeEventually(t, address, 1)
	defer conn.Close()
	require.Equal(t, epoch, learned)

	res := <-results
	require.NoError(t, res.err)
	require.Equal(t, 1.0, counterValue(t, registry, "mesh_bootstrap_attempts_total"))
	closeSockets(res.sockets)
}

func TestBootstrapper_GreaterEpochRestartsAttempt(t *testing.T) {
	port := freePort(t)
	address := fmt.Sprintf("127.0.0.1:%d", port)
	registry := prometheus.NewRegistry()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := testConfig(0, []string{address, "127.0.0.1:1"})
	cfg.Registerer = registry
	results := runBootstrapper(ctx, t, cfg)

	// Pose as a member of a newer generation, dooming this one.
	newer := dialUntilUp(t, address)
	require.NoError(t, writeU64(t, newer, 1))
	epoch, err := readEpoch(newer)
	require.NoError(t, err)
	greater := types.Epoch{Time: epoch.Time + 1, Nonce: epoch.Nonce}
	require.NoError(t, writeEpoch(t, newer, greater))
	newer.Close()

	// The process restarts with a fresh attempt and completes.
	conn, _ := handshakeEventually(t, address, 1)
	defer conn.Close()

	res := <-results
	require.NoError(t, res.err)
	require.True(t, counterValue(t, registry, "mesh_bootstrap_attempts_total") >= 2)
	require.Equal(t, 1.0, counterValue(t, registry, "mesh_bootstrap_restarts_total"))
	closeSockets(res.sockets)
}

func TestBootstrapper_DuplicateIndexRestartsAttempt(t *testing.T) {
	port := freePort(t)
	address := fmt.Sprintf("127.0.0.1:%d", port)
	registry := prometheus.NewRegistry()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cfg := testConfig(0, []string{address, "127.0.0.1:1", "127.0.0.1:2"})
	cfg.Registerer = registry
	results := runBootstrapper(ctx, t, cfg)

	// First instance of peer 1 joins the generation.
	first, _, err := handshakeAs(t, address, 1)
	require.NoError(t, err)
	defer first.Close()

	// A second instance of peer 1 signals a crashed and restarted
	// member; the whole attempt must be torn down.
	second := dialUntilUp(t, address)
	require.NoError(t, writeU64(t, second, 1))
	second.Close()

	// The restarted attempt accepts both peers again.
	conn1, _ := handshakeEventually(t, address, 1)
	defer conn1.Close()
	conn2, _ := handshakeEventually(t, address, 2)
	defer conn2.Close()

	res := <-results
	require.NoError(t, res.err)
	require.Len(t, res.sockets, 3)
	require.True(t, counterValue(t, registry, "mesh_bootstrap_attempts_total") >= 2)
	require.True(t, counterValue(t, registry, "mesh_bootstrap_restarts_total") >= 1)
	closeSockets(res.sockets)
}

func closeSockets(sockets []*Socket) {
	for _, s := range sockets {
		if s != nil {
			s.Close()
		}
	}
}
