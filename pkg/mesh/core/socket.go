package core

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/jabolina/go-mesh/pkg/mesh/helper"
	"github.com/pkg/errors"
	"github.com/prometheus/common/log"
	"golang.org/x/sys/unix"
)

// Family of the underlying transport. All sockets of a single mesh
// must end up on the same family, a mix is rejected at the handoff.
type Family int

const (
	FamilyTCP Family = iota
	FamilyUnix
)

func (f Family) String() string {
	if f == FamilyTCP {
		return "tcp"
	}
	return "unix"
}

// How long an accept call waits before checking for cancellation.
const acceptPollInterval = 250 * time.Millisecond

// Socket is a single established connection to a peer, either TCP or
// a Unix domain stream. The bootstrap only ever moves 8-byte
// big-endian integers through it; after the handoff the zero-copy
// layer owns the raw stream.
type Socket struct {
	conn   net.Conn
	family Family
}

// Dial connects to the peer address, inferring the family from the
// trailing port. Addresses with a `:<port>` suffix are TCP, anything
// else is a Unix socket path.
func Dial(ctx context.Context, address string) (*Socket, error) {
	family := FamilyUnix
	network := "unix"
	if helper.HasPortSuffix(address) {
		family = FamilyTCP
		network = "tcp"
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return &Socket{conn: conn, family: family}, nil
}

func (s *Socket) Family() Family {
	return s.family
}

func (s *Socket) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

func (s *Socket) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

// ReadUint64 reads a single 8-byte big-endian value.
func (s *Socket) ReadUint64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(s.conn, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// WriteUint64 writes a single 8-byte big-endian value.
func (s *Socket) WriteUint64(v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := s.conn.Write(buf[:])
	return err
}

// SetNodelay disables Nagle on TCP sockets. On Unix sockets this is
// a no-op.
func (s *Socket) SetNodelay(nodelay bool) error {
	if tcp, ok := s.conn.(*net.TCPConn); ok {
		return tcp.SetNoDelay(nodelay)
	}
	return nil
}

// SetBlocking switches the raw descriptor between blocking and
// non-blocking mode. The zero-copy layer expects blocking sockets,
// so the handoff flips every descriptor before passing them on.
func (s *Socket) SetBlocking(blocking bool) error {
	sc, ok := s.conn.(syscall.Conn)
	if !ok {
		return errors.Errorf("connection %T does not expose its descriptor", s.conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "failed to access raw descriptor")
	}
	var serr error
	if err := raw.Control(func(fd uintptr) {
		serr = unix.SetNonblock(int(fd), !blocking)
	}); err != nil {
		return errors.Wrap(err, "failed to control raw descriptor")
	}
	return serr
}

func (s *Socket) Close() error {
	return s.conn.Close()
}

// Listener accepts inbound handshakes from higher-indexed peers.
type Listener struct {
	ln     net.Listener
	family Family
}

// Listen binds the local address, inferring the family the same way
// Dial does. A stale Unix socket file left behind by a previous
// incarnation is removed before binding.
func Listen(address string) (*Listener, error) {
	family := FamilyUnix
	network := "unix"
	if helper.HasPortSuffix(address) {
		family = FamilyTCP
		network = "tcp"
	}
	if family == FamilyUnix {
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			log.Warnf("failed removing stale socket file %s: %v", address, err)
		}
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		log.Warnf("failed to listen on %s: %v", address, err)
		return nil, err
	}
	return &Listener{ln: ln, family: family}, nil
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Accept blocks until an inbound connection arrives or the context
// is cancelled. Cancellation is polled through short accept
// deadlines so no goroutine is left behind.
func (l *Listener) Accept(ctx context.Context) (*Socket, error) {
	d, pollable := l.ln.(deadliner)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if pollable {
			if err := d.SetDeadline(time.Now().Add(acceptPollInterval)); err != nil {
				return nil, err
			}
		}
		conn, err := l.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() && pollable {
				continue
			}
			return nil, err
		}
		return &Socket{conn: conn, family: l.family}, nil
	}
}

func (l *Listener) Family() Family {
	return l.family
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// Addr returns the bound address, useful when binding port 0.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}
