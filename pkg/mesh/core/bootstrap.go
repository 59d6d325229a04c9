package core

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jabolina/go-mesh/pkg/mesh/definition"
	"github.com/jabolina/go-mesh/pkg/mesh/helper"
	"github.com/jabolina/go-mesh/pkg/mesh/types"
	"github.com/pkg/errors"
)

const (
	// DefaultBindAttempts bounds the listen retry. Ten tries at the
	// default interval ride out a TIME_WAIT left by a previous
	// incarnation of this process.
	DefaultBindAttempts = 10

	// DefaultRetryInterval is the fixed backoff between bind and
	// dial retries.
	DefaultRetryInterval = time.Second
)

// Bootstrapper drives the mesh establishment protocol for a single
// process. One value can run any number of times, each Run loops
// attempts until the fleet converges on a generation.
type Bootstrapper struct {
	cfg     *types.Config
	log     types.Logger
	metrics *bootstrapMetrics
}

// NewBootstrapper validates the configuration and fills defaults.
func NewBootstrapper(cfg *types.Config) (*Bootstrapper, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("address list is empty")
	}
	if cfg.Index < 0 || cfg.Index >= len(cfg.Addresses) {
		return nil, errors.Errorf("index %d outside address list of size %d", cfg.Index, len(cfg.Addresses))
	}
	if cfg.Logger == nil {
		cfg.Logger = definition.NewDefaultLogger()
	}
	if cfg.Source == nil {
		cfg.Source = types.SystemEpochSource()
	}
	if cfg.BindAttempts <= 0 {
		cfg.BindAttempts = DefaultBindAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	return &Bootstrapper{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: newBootstrapMetrics(cfg.Registerer),
	}, nil
}

// Run establishes the mesh, retrying restartable failures until the
// environment stabilizes. It returns the N-entry socket vector with a
// nil at the local index, a fatal bootstrap error, or the context
// error once cancelled.
func (b *Bootstrapper) Run(ctx context.Context) ([]*Socket, error) {
	for {
		sockets, err := b.attempt(ctx)
		if err == nil {
			return sockets, nil
		}
		if types.IsFatal(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.log.Infof("creating sockets failed: %v; retrying", err)
	}
}

// resources tracks everything opened by a single attempt so
// cancellation can tear the attempt down even while a read or an
// accept is in flight. Attempts are atomic: a restartable failure
// discards every socket the attempt opened.
type resources struct {
	mutex   sync.Mutex
	closers []io.Closer
	closed  bool
	done    chan struct{}
}

func newResources(ctx context.Context) *resources {
	r := &resources{done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			r.closeAll()
		case <-r.done:
		}
	}()
	return r
}

func (r *resources) track(c io.Closer) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.closed {
		// The attempt was already torn down, nothing may
		// survive it.
		c.Close()
		return
	}
	r.closers = append(r.closers, c)
}

func (r *resources) closeAll() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.closed = true
	for _, c := range r.closers {
		c.Close()
	}
	r.closers = nil
}

// finish stops the cancellation watcher. When discard is set every
// tracked resource is closed as well.
func (r *resources) finish(discard bool) {
	close(r.done)
	if discard {
		r.closeAll()
	}
}

// attempt is one full pass of the protocol: bind, dial every lower
// peer, accept every higher peer, assemble the result.
func (b *Bootstrapper) attempt(ctx context.Context) ([]*Socket, error) {
	b.metrics.attempts.Inc()

	res := newResources(ctx)
	ok := false
	defer func() {
		res.finish(!ok)
	}()

	listenAddress := helper.ListenAddress(b.cfg.Addresses[b.cfg.Index])
	listener, err := b.bindListener(ctx, listenAddress)
	if err != nil {
		return nil, err
	}
	res.track(listener)
	// The listener is only needed for the duration of the attempt,
	// successful or not.
	defer listener.Close()

	var myEpoch types.Epoch
	var lower []*Socket
	if b.cfg.Index == 0 {
		myEpoch = b.cfg.Source.Mint()
		b.log.Infof("process %d minted epoch: %s", b.cfg.Index, myEpoch)
	} else {
		myEpoch, lower, err = b.connectLower(ctx, res)
		if err != nil {
			b.countRestart(err)
			return nil, err
		}
	}

	higher, err := b.acceptHigher(ctx, myEpoch, listener, res)
	if err != nil {
		b.countRestart(err)
		return nil, err
	}

	sockets := make([]*Socket, 0, len(b.cfg.Addresses))
	sockets = append(sockets, lower...)
	sockets = append(sockets, nil)
	sockets = append(sockets, higher...)

	ok = true
	return sockets, nil
}

func (b *Bootstrapper) countRestart(err error) {
	var e *types.BootstrapError
	if !errors.As(err, &e) {
		return
	}
	switch e.Kind {
	case types.EpochMismatch:
		b.metrics.restarts.WithLabelValues(reasonEpochMismatch).Inc()
	case types.Reconnect:
		b.metrics.restarts.WithLabelValues(reasonReconnect).Inc()
	}
}

// bindListener binds the local address under the bounded retry. When
// every try fails the error is fatal, there is nothing a protocol
// restart could fix.
func (b *Bootstrapper) bindListener(ctx context.Context, address string) (*Listener, error) {
	var listener *Listener
	bind := func() error {
		ln, err := Listen(address)
		if err != nil {
			return err
		}
		listener = ln
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(b.cfg.RetryInterval),
			uint64(b.cfg.BindAttempts-1),
		),
		ctx,
	)
	if err := backoff.Retry(bind, policy); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewBindError(address, err)
	}
	return listener, nil
}
