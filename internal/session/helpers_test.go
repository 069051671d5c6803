package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/splax/localvercel/internal/logstream"
	"github.com/splax/localvercel/internal/realtime"
	apiclient "github.com/splax/localvercel/pkg/api/client"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct {
	mu        sync.Mutex
	written   [][]byte
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64), closed: make(chan struct{})}
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
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// subscriptions decodes every subscribe frame written so far.
func (c *fakeConn) subscriptions(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var topics []string
	for _, raw := range c.written {
		var frame struct {
			Event string `json:"event"`
			Data  string `json:"data"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("decode written frame: %v", err)
		}
		if frame.Event == realtime.EventSubscribe {
			topics = append(topics, frame.Data)
		}
	}
	return topics
}

// send delivers a log message frame carrying payload.
func (c *fakeConn) send(t *testing.T, payload string) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	frame, err := json.Marshal(realtime.Frame{Event: realtime.EventMessage, Data: data})
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	c.inbound <- frame
}

type fakeDialer struct {
	mu       sync.Mutex
	attempts int
	conn     realtime.Conn
	err      error
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	return d.conn, d.err
}

func (d *fakeDialer) set(conn realtime.Conn, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn, d.err = conn, err
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

type stubDeployer struct {
	mu       sync.Mutex
	requests []apiclient.DeploymentRequest
	fn       func(ctx context.Context, req apiclient.DeploymentRequest) (apiclient.DeploymentResult, error)
}

func (d *stubDeployer) TriggerDeployment(ctx context.Context, req apiclient.DeploymentRequest) (apiclient.DeploymentResult, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	fn := d.fn
	d.mu.Unlock()
	return fn(ctx, req)
}

func (d *stubDeployer) calls() []apiclient.DeploymentRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]apiclient.DeploymentRequest(nil), d.requests...)
}

func returning(res apiclient.DeploymentResult, err error) func(context.Context, apiclient.DeploymentRequest) (apiclient.DeploymentResult, error) {
	return func(context.Context, apiclient.DeploymentRequest) (apiclient.DeploymentResult, error) {
		return res, err
	}
}

type recorder struct {
	mu            sync.Mutex
	notifications []Notification
	logs          []string
}

func (r *recorder) notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

func (r *recorder) log(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, text)
}

func (r *recorder) notified() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notifications...)
}

func (r *recorder) followed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.logs...)
}

type fixture struct {
	t      *testing.T
	s      *Session
	api    *stubDeployer
	dialer realtime.Dialer
	rec    *recorder
}

func startSession(t *testing.T, api Deployer, dialer realtime.Dialer, policy realtime.Policy) *fixture {
	t.Helper()
	return startSessionAt(t, "ws://stream.test/ws", api, dialer, policy)
}

func startSessionAt(t *testing.T, streamURL string, api Deployer, dialer realtime.Dialer, policy realtime.Policy) *fixture {
	t.Helper()
	rec := &recorder{}
	s, err := New(Options{
		API:       api,
		StreamURL: streamURL,
		Dialer:    dialer,
		Policy:    policy,
		Logger:    discardLogger(),
		OnNotify:  rec.notify,
		OnLog:     func(e logstream.Entry) { rec.log(e.Text) },
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-runErr:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Errorf("session did not stop")
		}
	})
	f := &fixture{t: t, s: s, dialer: dialer, rec: rec}
	if stub, ok := api.(*stubDeployer); ok {
		f.api = stub
	}
	return f
}

// connect starts a session whose stream connects to conn on the first dial.
func connect(t *testing.T, api Deployer) (*fixture, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	f := startSession(t, api, &fakeDialer{conn: conn}, realtime.DefaultPolicy())
	f.waitFor("connected", func(s Snapshot) bool { return s.State == realtime.Connected })
	return f, conn
}

func (f *fixture) setTarget(url string) {
	f.t.Helper()
	if _, err := f.s.SetTarget(context.Background(), url); err != nil {
		f.t.Fatalf("set target: %v", err)
	}
}

func (f *fixture) deploy(url, slug string) (apiclient.DeploymentResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return f.s.Deploy(ctx, apiclient.DeploymentRequest{GitURL: url, Slug: slug})
}

func (f *fixture) waitFor(what string, cond func(Snapshot) bool) Snapshot {
	f.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if snap := f.s.Snapshot(); cond(snap) {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.t.Fatalf("timed out waiting for %s", what)
	return Snapshot{}
}

func logTexts(snap Snapshot) []string {
	texts := make([]string, 0, len(snap.Logs))
	for _, e := range snap.Logs {
		texts = append(texts, e.Text)
	}
	return texts
}

var errRefused = errors.New("connection refused")

func (f *fixture) waitNotified(n int) []Notification {
	f.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if notes := f.rec.notified(); len(notes) >= n {
			return notes
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.t.Fatalf("timed out waiting for %d notifications, got %+v", n, f.rec.notified())
	return nil
}
