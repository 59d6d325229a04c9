package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Restart reasons.
	reasonEpochMismatch = "epoch_mismatch"
	reasonReconnect     = "reconnect"

	// Handshake sides.
	sideDial   = "dial"
	sideAccept = "accept"
)

// Counters observing the bootstrap from the outside. A stuck fleet is
// hard to tell apart from a slow one, the stale redial counter in
// particular surfaces a dial loop spinning against a peer from a dead
// generation that never restarts.
type bootstrapMetrics struct {
	attempts     prometheus.Counter
	restarts     *prometheus.CounterVec
	handshakes   *prometheus.CounterVec
	staleRedials prometheus.Counter
}

func newBootstrapMetrics(r prometheus.Registerer) *bootstrapMetrics {
	m := &bootstrapMetrics{
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "bootstrap",
			Name:      "attempts_total",
			Help:      "Bootstrap attempts started by this process.",
		}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "bootstrap",
			Name:      "restarts_total",
			Help:      "Attempts torn down by a restartable protocol error.",
		}, []string{"reason"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "bootstrap",
			Name:      "handshakes_total",
			Help:      "Handshakes completed with epoch agreement.",
		}, []string{"side"}),
		staleRedials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "bootstrap",
			Name:      "stale_epoch_redials_total",
			Help:      "Dials dropped because the peer presented a smaller epoch.",
		}),
	}
	if r != nil {
		r.MustRegister(m.attempts, m.restarts, m.handshakes, m.staleRedials)
	}
	return m
}
