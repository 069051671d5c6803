package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/splax/localvercel/internal/metrics"
)

// ErrNotConnected is returned when a subscribe is attempted while the stream is not Connected.
var ErrNotConnected = errors.New("stream connection is not established")

// ErrClosed is returned once the Manager has been closed.
var ErrClosed = errors.New("stream connection closed")

// ConnectionError reports that the streaming service stayed unreachable
// after the retry budget was spent.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("streaming service unreachable after %d reconnection attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Observer receives connection events on the owning loop.
type Observer interface {
	StateChanged(state ConnectionState)
	Message(payload []byte)
	// ConnectionFailed is called for every failed dial or dropped connection.
	ConnectionFailed(err error)
	// Exhausted is called once the retry budget is spent.
	Exhausted(err *ConnectionError)
}

// AfterFunc schedules f after d and returns a function that cancels it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Options configures a Manager.
type Options struct {
	URL      string
	Dialer   Dialer
	Policy   Policy
	Observer Observer
	// Post enqueues a handler on the owning loop and reports whether it was accepted.
	Post      func(func()) bool
	Logger    *slog.Logger
	Metrics   *metrics.Collector
	AfterFunc AfterFunc
}

// Manager owns the single stream connection of a session.
type Manager struct {
	url       string
	dialer    Dialer
	policy    Policy
	observer  Observer
	post      func(func()) bool
	log       *slog.Logger
	metrics   *metrics.Collector
	afterFunc AfterFunc

	ctx       context.Context
	cancel    context.CancelFunc
	state     ConnectionState
	conn      Conn
	gen       uint64
	backoff   retry.Backoff
	retries   int
	stopRetry func() bool
	topics    []string
	closed    bool
}

// NewManager constructs a Disconnected Manager. Open starts connecting.
func NewManager(opts Options) (*Manager, error) {
	if opts.URL == "" {
		return nil, errors.New("stream url required")
	}
	if opts.Post == nil {
		return nil, errors.New("event loop required")
	}
	if opts.Observer == nil {
		return nil, errors.New("observer required")
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	m := &Manager{
		url:       opts.URL,
		dialer:    opts.Dialer,
		policy:    opts.Policy.normalized(),
		observer:  opts.Observer,
		post:      opts.Post,
		log:       opts.Logger.With("stream_url", opts.URL),
		metrics:   opts.Metrics,
		afterFunc: opts.AfterFunc,
		state:     Disconnected,
	}
	m.metrics.SetConnectionState(Disconnected.String())
	return m, nil
}

// State reports the current connection state.
func (m *Manager) State() ConnectionState {
	return m.state
}

// Topics lists the topics that are re-subscribed after a reconnect.
func (m *Manager) Topics() []string {
	return append([]string(nil), m.topics...)
}

// Open starts the first connection attempt. Dials use ctx until Close.
func (m *Manager) Open(ctx context.Context) {
	if m.closed || m.ctx != nil {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.resetBudget()
	m.dial(triggerDial)
}

// Retry starts a fresh connection attempt with a full retry budget. It is a
// no-op unless the connection is Disconnected.
func (m *Manager) Retry() {
	if m.closed || m.ctx == nil || m.state != Disconnected {
		return
	}
	m.log.Info("manual stream reconnect requested")
	m.cancelPendingRetry()
	m.resetBudget()
	m.dial(triggerRetry)
}

// Subscribe emits a subscribe event for topic on the live connection.
func (m *Manager) Subscribe(topic string) error {
	if m.closed {
		return ErrClosed
	}
	if m.state != Connected || m.conn == nil {
		return ErrNotConnected
	}
	if err := m.writeSubscribe(topic); err != nil {
		return err
	}
	for _, existing := range m.topics {
		if existing == topic {
			return nil
		}
	}
	m.topics = append(m.topics, topic)
	return nil
}

// Close tears down the connection and stops all reconnection activity.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.gen++
	m.cancelPendingRetry()
	if m.cancel != nil {
		m.cancel()
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.fire(triggerClose)
}

func (m *Manager) fire(t trigger) bool {
	to, err := nextState(m.state, t)
	if err != nil {
		m.log.Error("rejected connection transition", "error", err)
		return false
	}
	if to == m.state {
		return true
	}
	m.state = to
	m.metrics.SetConnectionState(to.String())
	m.observer.StateChanged(to)
	return true
}

func (m *Manager) resetBudget() {
	m.backoff = m.policy.backoff()
	m.retries = 0
}

func (m *Manager) cancelPendingRetry() {
	if m.stopRetry != nil {
		m.stopRetry()
		m.stopRetry = nil
	}
}

func (m *Manager) dial(t trigger) {
	if !m.fire(t) {
		return
	}
	m.gen++
	gen := m.gen
	ctx, dialer, url := m.ctx, m.dialer, m.url
	m.log.Debug("dialing stream", "generation", gen)
	go func() {
		conn, err := dialer.Dial(ctx, url)
		if !m.post(func() { m.handleDial(gen, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (m *Manager) handleDial(gen uint64, conn Conn, err error) {
	if gen != m.gen || m.closed {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.fire(triggerConnectFailed)
		m.log.Warn("stream connect failed", "error", err, "retries", m.retries)
		m.observer.ConnectionFailed(err)
		m.scheduleRetry(err)
		return
	}
	m.conn = conn
	m.resetBudget()
	m.fire(triggerConnected)
	m.log.Info("stream connected")
	go m.read(gen, conn)
	for _, topic := range m.topics {
		if err := m.writeSubscribe(topic); err != nil {
			m.log.Warn("resubscribe failed", "topic", topic, "error", err)
		}
	}
}

func (m *Manager) read(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.post(func() { m.handleDropped(gen, err) })
			return
		}
		if !m.post(func() { m.handleFrame(gen, data) }) {
			return
		}
	}
}

func (m *Manager) handleFrame(gen uint64, data []byte) {
	if gen != m.gen || m.closed {
		return
	}
	event, payload, err := decodeFrame(data)
	if err != nil {
		m.log.Debug("dropping undecodable stream frame", "error", err)
		return
	}
	switch event {
	case EventMessage:
		m.observer.Message(payload)
	default:
		m.log.Debug("ignoring stream event", "event", event)
	}
}

func (m *Manager) handleDropped(gen uint64, err error) {
	if gen != m.gen || m.closed || m.conn == nil {
		return
	}
	_ = m.conn.Close()
	m.conn = nil
	m.fire(triggerDropped)
	m.log.Warn("stream connection dropped", "error", err)
	m.observer.ConnectionFailed(err)
	m.scheduleRetry(err)
}

func (m *Manager) scheduleRetry(cause error) {
	delay, stop := m.backoff.Next()
	if stop {
		m.fire(triggerExhausted)
		cerr := &ConnectionError{Attempts: m.retries, Err: cause}
		m.log.Error("stream reconnection exhausted", "error", cerr)
		m.observer.Exhausted(cerr)
		return
	}
	m.retries++
	m.metrics.ReconnectScheduled()
	gen := m.gen
	m.log.Info("scheduling stream reconnect", "attempt", m.retries, "max_attempts", m.policy.MaxAttempts, "delay", delay)
	m.stopRetry = m.afterFunc(delay, func() {
		m.post(func() { m.handleRetryTimer(gen) })
	})
}

func (m *Manager) handleRetryTimer(gen uint64) {
	if gen != m.gen || m.closed || m.state != Disconnected {
		return
	}
	m.stopRetry = nil
	m.dial(triggerRetry)
}

func (m *Manager) writeSubscribe(topic string) error {
	frame, err := encodeFrame(EventSubscribe, topic)
	if err != nil {
		return fmt.Errorf("encode subscribe: %w", err)
	}
	if err := m.conn.WriteMessage(frame); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	m.metrics.Subscribed()
	m.log.Info("subscribed to stream topic", "topic", topic)
	return nil
}
