// Package metrics exposes prometheus collectors for the deploy client.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Connection state label values.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

var connectionStates = []string{StateDisconnected, StateConnecting, StateConnected}

// Collector groups the client's counters and gauges.
type Collector struct {
	logsReceived    prometheus.Counter
	parseErrors     prometheus.Counter
	reconnects      prometheus.Counter
	subscriptions   prometheus.Counter
	connectionState *prometheus.GaugeVec
	deployResults   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Collectors that are
// already registered are reused.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "client",
			Name:      "log_entries_total",
			Help:      "Number of log entries appended to the session buffer",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "client",
			Name:      "log_parse_errors_total",
			Help:      "Number of inbound log payloads discarded as malformed",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "client",
			Name:      "stream_reconnect_attempts_total",
			Help:      "Number of scheduled automatic reconnection attempts",
		}),
		subscriptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "client",
			Name:      "stream_subscriptions_total",
			Help:      "Number of subscribe events written to the stream",
		}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "peep",
			Subsystem: "client",
			Name:      "stream_connection_state",
			Help:      "1 for the current stream connection state, 0 otherwise",
		}, []string{"state"}),
		deployResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "client",
			Name:      "deploy_results_total",
			Help:      "Number of deployment trigger outcomes",
		}, []string{"outcome"}),
	}
	if reg == nil {
		return c
	}
	c.logsReceived = register(reg, c.logsReceived)
	c.parseErrors = register(reg, c.parseErrors)
	c.reconnects = register(reg, c.reconnects)
	c.subscriptions = register(reg, c.subscriptions)
	c.connectionState = register(reg, c.connectionState)
	c.deployResults = register(reg, c.deployResults)
	return c
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) T {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return collector
}

// LogReceived counts an appended log entry.
func (c *Collector) LogReceived() {
	if c == nil {
		return
	}
	c.logsReceived.Inc()
}

// ParseError counts a discarded log payload.
func (c *Collector) ParseError() {
	if c == nil {
		return
	}
	c.parseErrors.Inc()
}

// ReconnectScheduled counts an automatic reconnection attempt.
func (c *Collector) ReconnectScheduled() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

// Subscribed counts a subscribe event written to the stream.
func (c *Collector) Subscribed() {
	if c == nil {
		return
	}
	c.subscriptions.Inc()
}

// SetConnectionState marks state as current.
func (c *Collector) SetConnectionState(state string) {
	if c == nil {
		return
	}
	for _, s := range connectionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		c.connectionState.With(prometheus.Labels{"state": s}).Set(value)
	}
}

// DeployResult counts a deployment trigger outcome.
func (c *Collector) DeployResult(outcome string) {
	if c == nil {
		return
	}
	c.deployResults.With(prometheus.Labels{"outcome": outcome}).Inc()
}
