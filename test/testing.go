package test

import (
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jabolina/go-mesh/pkg/mesh"
	"github.com/jabolina/go-mesh/pkg/mesh/core"
	"github.com/jabolina/go-mesh/pkg/mesh/definition"
	"github.com/jabolina/go-mesh/pkg/mesh/types"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// MemberResult is the outcome of one fleet member's bootstrap.
type MemberResult struct {
	Index   int
	Sockets []*core.Socket
	Err     error
}

// Fleet drives an in-process cluster of bootstrapping members, all
// sharing one address list the way real deployments share their
// configuration.
type Fleet struct {
	T         *testing.T
	Addresses []string
}

// AllocateAddresses reserves n loopback TCP addresses by binding and
// releasing ephemeral ports.
func AllocateAddresses(t *testing.T, n int) []string {
	t.Helper()
	listeners := make([]net.Listener, n)
	addresses := make([]string, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("failed allocating address %d: %v", i, err)
		}
		listeners[i] = ln
		addresses[i] = fmt.Sprintf("127.0.0.1:%d", ln.Addr().(*net.TCPAddr).Port)
	}
	for _, ln := range listeners {
		ln.Close()
	}
	return addresses
}

// UnixAddresses creates n socket paths under a fresh temporary
// directory, removed when the test finishes.
func UnixAddresses(t *testing.T, n int) []string {
	t.Helper()
	dir, err := ioutil.TempDir("", "mesh-fleet")
	if err != nil {
		t.Fatalf("failed creating socket dir: %v", err)
	}
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	addresses := make([]string, n)
	for i := 0; i < n; i++ {
		addresses[i] = filepath.Join(dir, fmt.Sprintf("peer-%d.sock", i))
	}
	return addresses
}

func NewFleet(t *testing.T, addresses []string) *Fleet {
	return &Fleet{T: t, Addresses: addresses}
}

// Config builds the member configuration with retry intervals tuned
// for tests. The bind retry budget is generous because a restarting
// member races its own dying listener for the port.
func (f *Fleet) Config(index int) *types.Config {
	logger := definition.NewDefaultLogger()
	logger.ToggleDebug(false)
	return &types.Config{
		Index:         index,
		Addresses:     f.Addresses,
		Logger:        logger,
		RetryInterval: 20 * time.Millisecond,
		BindAttempts:  50,
	}
}

// Start bootstraps every member concurrently and waits for the whole
// fleet to finish.
func (f *Fleet) Start(ctx context.Context) []MemberResult {
	results := make([]MemberResult, len(f.Addresses))
	group, ctx := errgroup.WithContext(ctx)
	for i := range f.Addresses {
		index := i
		group.Go(func() error {
			sockets, err := mesh.Bootstrap(ctx, f.Config(index))
			results[index] = MemberResult{Index: index, Sockets: sockets, Err: err}
			return err
		})
	}
	if err := group.Wait(); err != nil {
		f.T.Errorf("fleet failed to bootstrap: %v", err)
	}
	return results
}

// StartMember bootstraps a single member, delivering the result on
// the returned channel. Used by the churn tests to crash and restart
// individual members.
func (f *Fleet) StartMember(ctx context.Context, index int) <-chan MemberResult {
	ch := make(chan MemberResult, 1)
	go func() {
		sockets, err := mesh.Bootstrap(ctx, f.Config(index))
		ch <- MemberResult{Index: index, Sockets: sockets, Err: err}
	}()
	return ch
}

// VerifyMesh checks the result-shape invariants for one member: N
// entries, empty exactly at the member's own index, all sockets on
// the same transport family.
func VerifyMesh(t *testing.T, n int, result MemberResult) {
	t.Helper()
	if result.Err != nil {
		t.Errorf("member %d failed: %v", result.Index, result.Err)
		return
	}
	if len(result.Sockets) != n {
		t.Errorf("member %d holds %d sockets, expected %d", result.Index, len(result.Sockets), n)
		return
	}
	var family core.Family
	seen := false
	for i, s := range result.Sockets {
		if i == result.Index {
			if s != nil {
				t.Errorf("member %d holds a socket to itself", result.Index)
			}
			continue
		}
		if s == nil {
			t.Errorf("member %d is missing the socket to peer %d", result.Index, i)
			continue
		}
		if !seen {
			family = s.Family()
			seen = true
		} else if s.Family() != family {
			t.Errorf("member %d mixes %s and %s sockets", result.Index, family, s.Family())
		}
	}
}

// ExchangeProbes has every member write its own index on every socket
// and read one value back from each, proving each vector slot is
// connected to the peer it claims to be. All writes happen before any
// read, so the 8-byte probes cannot deadlock.
func ExchangeProbes(t *testing.T, results []MemberResult) {
	t.Helper()
	var group errgroup.Group
	for _, result := range results {
		r := result
		group.Go(func() error {
			for _, s := range r.Sockets {
				if s == nil {
					continue
				}
				if err := s.WriteUint64(uint64(r.Index)); err != nil {
					return errors.Wrapf(err, "member %d failed writing probe", r.Index)
				}
			}
			for peer, s := range r.Sockets {
				if s == nil {
					continue
				}
				v, err := s.ReadUint64()
				if err != nil {
					return errors.Wrapf(err, "member %d failed reading probe from peer %d", r.Index, peer)
				}
				if v != uint64(peer) {
					return errors.Errorf("member %d socket %d is connected to peer %d", r.Index, peer, v)
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		t.Errorf("probe exchange failed: %v", err)
	}
}

// CloseFleet releases every socket the fleet established.
func CloseFleet(results []MemberResult) {
	for _, r := range results {
		for _, s := range r.Sockets {
			if s != nil {
				s.Close()
			}
		}
	}
}

func PrintStackTrace(t *testing.T) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	t.Errorf("%s", buf)
}

func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan bool)
	go func() {
		cb()
		done <- true
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}
