package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/splax/localvercel/internal/eventloop"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct {
	mu        sync.Mutex
	written   [][]byte
	writeErr  error
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 128), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

type dialResult struct {
	conn Conn
	err  error
}

type fakeDialer struct {
	mu       sync.Mutex
	attempts int
	queue    []dialResult
	fallback dialResult
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if len(d.queue) > 0 {
		next := d.queue[0]
		d.queue = d.queue[1:]
		return next.conn, next.err
	}
	return d.fallback.conn, d.fallback.err
}

func (d *fakeDialer) push(conn Conn, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, dialResult{conn: conn, err: err})
}

func (d *fakeDialer) setFallback(conn Conn, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = dialResult{conn: conn, err: err}
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

type fakeTimer struct {
	fn      func()
	stopped bool
	fired   bool
}

type fakeScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &fakeTimer{fn: fn}
	s.delays = append(s.delays, d)
	s.timers = append(s.timers, timer)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		active := !timer.stopped && !timer.fired
		timer.stopped = true
		return active
	}
}

func (s *fakeScheduler) scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *fakeScheduler) delay(i int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delays[i]
}

func (s *fakeScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, timer := range s.timers {
		if !timer.stopped && !timer.fired {
			n++
		}
	}
	return n
}

// fireNext runs the oldest pending timer.
func (s *fakeScheduler) fireNext(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	var next *fakeTimer
	for _, timer := range s.timers {
		if !timer.stopped && !timer.fired {
			next = timer
			break
		}
	}
	if next != nil {
		next.fired = true
	}
	s.mu.Unlock()
	if next == nil {
		t.Fatal("no pending timer to fire")
	}
	next.fn()
}

type recordingObserver struct {
	mu        sync.Mutex
	states    []ConnectionState
	messages  []string
	failures  []error
	exhausted []*ConnectionError
}

func (o *recordingObserver) StateChanged(state ConnectionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func (o *recordingObserver) Message(payload []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, string(payload))
}

func (o *recordingObserver) ConnectionFailed(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, err)
}

func (o *recordingObserver) Exhausted(err *ConnectionError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exhausted = append(o.exhausted, err)
}

func (o *recordingObserver) messageCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.messages)
}

func (o *recordingObserver) snapshot() recordingObserver {
	o.mu.Lock()
	defer o.mu.Unlock()
	return recordingObserver{
		states:    append([]ConnectionState(nil), o.states...),
		messages:  append([]string(nil), o.messages...),
		failures:  append([]error(nil), o.failures...),
		exhausted: append([]*ConnectionError(nil), o.exhausted...),
	}
}

type harness struct {
	t      *testing.T
	loop   *eventloop.Loop
	mgr    *Manager
	dialer Dialer
	sched  *fakeScheduler
	obs    *recordingObserver
}

func newHarness(t *testing.T, dialer Dialer, policy Policy) *harness {
	t.Helper()
	loop := eventloop.New(64, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(cancel)

	h := &harness{t: t, loop: loop, dialer: dialer, sched: &fakeScheduler{}, obs: &recordingObserver{}}
	mgr, err := NewManager(Options{
		URL:       "ws://stream.test/ws",
		Dialer:    dialer,
		Policy:    policy,
		Observer:  h.obs,
		Post:      loop.Post,
		Logger:    discardLogger(),
		AfterFunc: h.sched.AfterFunc,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	h.mgr = mgr
	return h
}

func (h *harness) do(fn func()) {
	h.t.Helper()
	if err := h.loop.Do(context.Background(), fn); err != nil {
		h.t.Fatalf("loop do: %v", err)
	}
}

func (h *harness) open() {
	h.t.Helper()
	h.do(func() { h.mgr.Open(context.Background()) })
}

func (h *harness) state() ConnectionState {
	h.t.Helper()
	var state ConnectionState
	h.do(func() { state = h.mgr.State() })
	return state
}

func (h *harness) subscribe(topic string) error {
	h.t.Helper()
	var err error
	h.do(func() { err = h.mgr.Subscribe(topic) })
	return err
}

func (h *harness) waitForState(want ConnectionState) {
	h.t.Helper()
	waitFor(h.t, "state "+want.String(), func() bool { return h.state() == want })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errDialRefused = errors.New("connection refused")
