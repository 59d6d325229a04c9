package core

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jabolina/go-mesh/pkg/mesh/types"
)

// connectLower establishes a connection to every peer with an index
// lower than ours, in index order. The first successful handshake
// teaches us the epoch of the generation we are joining; every later
// handshake must agree with it.
//
// Returns the joined epoch and the sockets ordered by peer index, or
// a restartable error when this generation turns out to be doomed.
func (b *Bootstrapper) connectLower(ctx context.Context, res *resources) (types.Epoch, []*Socket, error) {
	var myEpoch *types.Epoch
	sockets := make([]*Socket, 0, b.cfg.Index)

	for len(sockets) < b.cfg.Index {
		index := len(sockets)
		address := b.cfg.Addresses[index]

		b.log.Infof("process %d connecting to peer %d at address: %s", b.cfg.Index, index, address)

		peerEpoch, sock, err := b.dialPeer(ctx, index, address, myEpoch, res)
		if err != nil {
			// Only cancellation escapes the unbounded retry.
			return types.Epoch{}, nil, err
		}

		if myEpoch == nil {
			b.log.Infof("process %d received epoch from peer %d: %s", b.cfg.Index, index, peerEpoch)
			myEpoch = &peerEpoch
			sockets = append(sockets, sock)
			continue
		}

		switch peerEpoch.Compare(*myEpoch) {
		case -1:
			// The peer belongs to a dead generation. Drop the
			// socket and dial the same index again; the peer is
			// expected to restart into our generation.
			b.log.Infof("process %d refusing connection to peer %d with smaller epoch: %s < %s",
				b.cfg.Index, index, peerEpoch, myEpoch)
			b.metrics.staleRedials.Inc()
			sock.Close()
		case 1:
			return types.Epoch{}, nil, types.NewEpochMismatch(index, peerEpoch, *myEpoch)
		default:
			b.log.Infof("process %d connected to peer %d", b.cfg.Index, index)
			sockets = append(sockets, sock)
		}
	}

	b.metrics.handshakes.WithLabelValues(sideDial).Add(float64(len(sockets)))
	return *myEpoch, sockets, nil
}

// dialPeer retries the connect-side handshake until it succeeds or
// the context is cancelled. Network failures and half-finished
// handshakes both land here, the peer may simply not be up yet.
func (b *Bootstrapper) dialPeer(ctx context.Context, index int, address string, myEpoch *types.Epoch, res *resources) (types.Epoch, *Socket, error) {
	var peerEpoch types.Epoch
	var sock *Socket

	handshake := func() error {
		s, err := Dial(ctx, address)
		if err != nil {
			return err
		}
		// Tracked before the first read so cancellation can
		// unblock a handshake stuck on a silent peer.
		res.track(s)
		epoch, err := b.dialHandshake(s, myEpoch)
		if err != nil {
			s.Close()
			return err
		}
		peerEpoch = epoch
		sock = s
		return nil
	}

	notify := func(err error, _ time.Duration) {
		b.log.Infof("process %d error connecting to peer %d: %v", b.cfg.Index, index, err)
	}
	policy := backoff.WithContext(backoff.NewConstantBackOff(b.cfg.RetryInterval), ctx)
	if err := backoff.RetryNotify(handshake, policy, notify); err != nil {
		return types.Epoch{}, nil, err
	}
	return peerEpoch, sock, nil
}

// dialHandshake runs the connect side of the wire exchange: announce
// our index, learn the peer's epoch, answer with ours. The write then
// read then write order pairs up with the listener's read then write
// then read, so neither side ever waits on the same direction as its
// counterpart.
func (b *Bootstrapper) dialHandshake(s *Socket, myEpoch *types.Epoch) (types.Epoch, error) {
	if err := s.SetNodelay(true); err != nil {
		return types.Epoch{}, err
	}
	if err := s.WriteUint64(uint64(b.cfg.Index)); err != nil {
		return types.Epoch{}, err
	}
	peerEpoch, err := types.ReadEpoch(s)
	if err != nil {
		return types.Epoch{}, err
	}
	// On the very first lower peer this process joins the
	// generation it just learned about.
	answer := peerEpoch
	if myEpoch != nil {
		answer = *myEpoch
	}
	if err := answer.Write(s); err != nil {
		return types.Epoch{}, err
	}
	return peerEpoch, nil
}
