// Package metrics records per-command Prometheus metrics for the browser
// client and the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	OutcomeOK                = "ok"
	OutcomeRemoteError       = "remote_error"
	OutcomeConnectionLost    = "connection_lost"
	OutcomeProtocolViolation = "protocol_violation"
	OutcomeInvalidArgument   = "invalid_argument"
)

// Collector holds the command metrics for one side of the protocol.
// A nil *Collector is valid and records nothing.
type Collector struct {
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	PayloadBytes    *prometheus.HistogramVec
	Resets          prometheus.Counter
}

// New registers a collector on reg. subsystem is "client" or "engine".
func New(reg prometheus.Registerer, subsystem string) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wkdrive",
				Subsystem: subsystem,
				Name:      "commands_total",
				Help:      "Total number of protocol commands by outcome",
			},
			[]string{"command", "outcome"},
		),
		CommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "wkdrive",
				Subsystem: subsystem,
				Name:      "command_duration_seconds",
				Help:      "Protocol command round-trip duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"command"},
		),
		PayloadBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "wkdrive",
				Subsystem: subsystem,
				Name:      "payload_bytes",
				Help:      "Response payload size in bytes",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
			},
			[]string{"command"},
		),
		Resets: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wkdrive",
				Subsystem: subsystem,
				Name:      "resets_total",
				Help:      "Total number of session resets",
			},
		),
	}
}

// Observe records one command.
func (c *Collector) Observe(command, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.CommandsTotal.WithLabelValues(command, outcome).Inc()
	c.CommandDuration.WithLabelValues(command).Observe(d.Seconds())
}

// ObservePayload records a response payload size.
func (c *Collector) ObservePayload(command string, n int) {
	if c == nil {
		return
	}
	c.PayloadBytes.WithLabelValues(command).Observe(float64(n))
}

// ObserveReset counts a session reset.
func (c *Collector) ObserveReset() {
	if c == nil {
		return
	}
	c.Resets.Inc()
}
