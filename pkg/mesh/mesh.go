package mesh

import (
	"context"

	"github.com/jabolina/go-mesh/pkg/mesh/core"
	"github.com/jabolina/go-mesh/pkg/mesh/definition"
	"github.com/jabolina/go-mesh/pkg/mesh/types"
	"github.com/pkg/errors"
)

// Initializer is the seam to the zero-copy transport layer built on
// top of the bootstrapped sockets. The mesh hands over blocking,
// family-homogeneous sockets and never touches them again.
type Initializer interface {
	Initialize(sockets []*core.Socket) error
}

// DefaultConfig creates a configuration with the default logger,
// epoch source and retry policy for the given fleet position.
func DefaultConfig(index int, addresses []string) *types.Config {
	return &types.Config{
		Index:         index,
		Addresses:     addresses,
		Logger:        definition.NewDefaultLogger(),
		Source:        types.SystemEpochSource(),
		BindAttempts:  core.DefaultBindAttempts,
		RetryInterval: core.DefaultRetryInterval,
	}
}

// Bootstrap establishes a connection to every other process of the
// fleet and returns the socket vector, nil at the local index and a
// live epoch-agreed socket everywhere else.
//
// Restartable protocol failures are retried forever; the call only
// returns on success, on a fatal error or once the context is
// cancelled.
func Bootstrap(ctx context.Context, cfg *types.Config) ([]*core.Socket, error) {
	b, err := core.NewBootstrapper(cfg)
	if err != nil {
		return nil, err
	}
	return b.Run(ctx)
}

// Initialize bootstraps the mesh and hands the sockets to the
// zero-copy transport initializer. Before the handoff every socket is
// switched to blocking mode and the vector is checked for transport
// homogeneity; a mix of TCP and Unix sockets is an error reported to
// the caller, not a protocol restart.
func Initialize(ctx context.Context, cfg *types.Config, init Initializer) error {
	b, err := core.NewBootstrapper(cfg)
	if err != nil {
		return err
	}
	log := cfg.Logger
	log.Infof("initializing network for process %d with %d addresses", cfg.Index, len(cfg.Addresses))

	sockets, err := b.Run(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to set up mesh sockets")
	}

	if !homogeneous(sockets) {
		closeAll(sockets)
		return errors.New("cannot mix TCP and Unix sockets")
	}
	for _, s := range sockets {
		if s == nil {
			continue
		}
		if err := s.SetBlocking(true); err != nil {
			closeAll(sockets)
			return errors.Wrap(err, "failed to set socket to blocking")
		}
	}

	if err := init.Initialize(sockets); err != nil {
		closeAll(sockets)
		log.Errorf("process %d failed to initialize network: %v", cfg.Index, err)
		return errors.Wrap(err, "failed to initialize networking from sockets")
	}
	log.Infof("process %d successfully initialized network", cfg.Index)
	return nil
}

func homogeneous(sockets []*core.Socket) bool {
	var family core.Family
	seen := false
	for _, s := range sockets {
		if s == nil {
			continue
		}
		if !seen {
			family = s.Family()
			seen = true
			continue
		}
		if s.Family() != family {
			return false
		}
	}
	return true
}

func closeAll(sockets []*core.Socket) {
	for _, s := range sockets {
		if s != nil {
			s.Close()
		}
	}
}
