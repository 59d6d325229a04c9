package types

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config holds everything a process needs to join the mesh.
type Config struct {
	// Index of the local process on the address list, in [0, N).
	// The process at index 0 is the generation leader and mints
	// the epoch everyone else inherits.
	Index int

	// Addresses is the ordered address list of the whole fleet,
	// one entry per process. Addresses ending in `:<port>` are TCP,
	// anything else is used verbatim as a Unix socket path.
	Addresses []string

	// Logger used by every component. When nil the bootstrap
	// installs the default logger.
	Logger Logger

	// Source minting new epochs. When nil the system clock source
	// is used. Only the leader ever mints.
	Source *EpochSource

	// BindAttempts bounds the listen retry, to ride out a stale
	// TIME_WAIT from a previous incarnation. Zero means the
	// default of 10.
	BindAttempts int

	// RetryInterval is the fixed backoff between bind and dial
	// retries. Zero means the default of one second.
	RetryInterval time.Duration

	// Registerer receives the bootstrap metrics. When nil no
	// metrics are registered.
	Registerer prometheus.Registerer
}
