package core

import (
	"context"

	"github.com/jabolina/go-mesh/pkg/mesh/types"
)

// acceptHigher accepts a connection from every peer with an index
// greater than ours and runs the accept-side handshake on each.
//
// Returns the sockets ordered by peer index, starting at ours plus
// one, or a restartable error when the generation is doomed.
func (b *Bootstrapper) acceptHigher(ctx context.Context, myEpoch types.Epoch, listener *Listener, res *resources) ([]*Socket, error) {
	n := len(b.cfg.Addresses)
	offset := b.cfg.Index + 1
	sockets := make([]*Socket, n-offset)
	remaining := len(sockets)

	for remaining > 0 {
		b.log.Debugf("process %d accepting connection from peer", b.cfg.Index)

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		index, sock, err := b.acceptPeer(ctx, listener, res)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Accept and index-read failures are transient, the
			// peer is expected to retry.
			b.log.Infof("process %d error accepting connection: %v", b.cfg.Index, err)
			continue
		}

		if index < offset || index >= n {
			// A stray connection announcing an index this process
			// never accepts from. Treated like any other malformed
			// handshake.
			b.log.Infof("process %d dropping connection announcing index %d", b.cfg.Index, index)
			sock.Close()
			continue
		}

		if sockets[index-offset] != nil {
			return nil, types.NewReconnect(index)
		}

		peerEpoch, err := exchangeEpochs(myEpoch, sock)
		if err != nil {
			b.log.Infof("process %d error exchanging epochs: %v", b.cfg.Index, err)
			sock.Close()
			continue
		}

		switch peerEpoch.Compare(myEpoch) {
		case -1:
			// The peer is from a dead generation. It will observe
			// the reverse comparison, fail its own attempt and
			// rejoin; nothing to restart here.
			b.log.Infof("process %d refusing connection from peer %d with smaller epoch: %s < %s",
				b.cfg.Index, index, peerEpoch, myEpoch)
			sock.Close()
		case 1:
			return nil, types.NewEpochMismatch(index, peerEpoch, myEpoch)
		default:
			b.log.Infof("process %d connected to peer %d", b.cfg.Index, index)
			sockets[index-offset] = sock
			remaining--
			b.metrics.handshakes.WithLabelValues(sideAccept).Inc()
		}
	}

	return sockets, nil
}

// acceptPeer accepts one inbound connection and reads the index the
// peer announces.
func (b *Bootstrapper) acceptPeer(ctx context.Context, listener *Listener, res *resources) (int, *Socket, error) {
	sock, err := listener.Accept(ctx)
	if err != nil {
		return 0, nil, err
	}
	// Tracked before the first read so cancellation can unblock a
	// handshake stuck on a silent peer.
	res.track(sock)
	if err := sock.SetNodelay(true); err != nil {
		sock.Close()
		return 0, nil, err
	}
	index, err := sock.ReadUint64()
	if err != nil {
		sock.Close()
		return 0, nil, err
	}
	return int(index), sock, nil
}

// exchangeEpochs runs the accept side of the epoch exchange, writing
// first and reading second. The dial side does the inverse.
func exchangeEpochs(myEpoch types.Epoch, s *Socket) (types.Epoch, error) {
	if err := myEpoch.Write(s); err != nil {
		return types.Epoch{}, err
	}
	return types.ReadEpoch(s)
}
