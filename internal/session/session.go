// Package session composes validation, the deployment trigger, the stream
// connection and the log buffer into one observable deploy session.
//
// All session state lives on a single event loop. Public methods are safe to
// call from any goroutine, except from inside the OnChange, OnNotify and OnLog
// hooks, which run on the loop itself.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/splax/localvercel/internal/eventloop"
	"github.com/splax/localvercel/internal/logstream"
	"github.com/splax/localvercel/internal/metrics"
	"github.com/splax/localvercel/internal/realtime"
	apiclient "github.com/splax/localvercel/pkg/api/client"
	"github.com/splax/localvercel/pkg/repourl"
)

// ErrNotConnected is returned by Deploy while the stream is not Connected.
var ErrNotConnected = errors.New("deploy disabled: stream connection is not established")

// ErrInProgress is returned by Deploy while another trigger is outstanding.
var ErrInProgress = errors.New("deploy disabled: a deployment is already being triggered")

// ErrClosed is returned once the session has ended.
var ErrClosed = errors.New("session closed")

// Deployer issues deployment-trigger requests.
type Deployer interface {
	TriggerDeployment(ctx context.Context, req apiclient.DeploymentRequest) (apiclient.DeploymentResult, error)
}

// Options configures a Session.
type Options struct {
	API       Deployer
	StreamURL string
	Dialer    realtime.Dialer
	Policy    realtime.Policy
	Logger    *slog.Logger
	Metrics   *metrics.Collector

	// OnChange receives every new Snapshot.
	OnChange func(Snapshot)
	// OnNotify receives transient user-facing notifications.
	OnNotify func(Notification)
	// OnLog receives each appended log entry, newest last.
	OnLog func(logstream.Entry)

	QueueSize int
	AfterFunc realtime.AfterFunc
}

// Session is one client session: one stream connection, one log buffer.
type Session struct {
	id       string
	api      Deployer
	loop     *eventloop.Loop
	conn     *realtime.Manager
	logs     *logstream.Aggregator
	log      *slog.Logger
	metrics  *metrics.Collector
	onChange func(Snapshot)
	onNotify func(Notification)
	onLog    func(logstream.Entry)

	// loop-owned
	runCtx     context.Context
	target     string
	validation repourl.Result
	state      realtime.ConnectionState
	connErr    error
	inProgress bool
	release    func()
	result     *apiclient.DeploymentResult

	mu   sync.RWMutex
	snap Snapshot
}

// New constructs a Session. Run must be called to open the connection.
func New(opts Options) (*Session, error) {
	if opts.API == nil {
		return nil, errors.New("deployment api required")
	}
	if strings.TrimSpace(opts.StreamURL) == "" {
		return nil, errors.New("stream url required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy == (realtime.Policy{}) {
		opts.Policy = realtime.DefaultPolicy()
	}
	id := uuid.NewString()
	log := opts.Logger.With("session_id", id)
	s := &Session{
		id:       id,
		api:      opts.API,
		log:      log,
		metrics:  opts.Metrics,
		onChange: opts.OnChange,
		onNotify: opts.OnNotify,
		onLog:    opts.OnLog,
		loop:     eventloop.New(opts.QueueSize, log),
	}
	s.logs = logstream.New(log, logstream.WithMetrics(opts.Metrics), logstream.WithFollow(s.follow))
	conn, err := realtime.NewManager(realtime.Options{
		URL:       opts.StreamURL,
		Dialer:    opts.Dialer,
		Policy:    opts.Policy,
		Observer:  observer{s},
		Post:      s.loop.Post,
		Logger:    log,
		Metrics:   opts.Metrics,
		AfterFunc: opts.AfterFunc,
	})
	if err != nil {
		return nil, err
	}
	s.conn = conn
	s.snap = s.buildSnapshot()
	return s, nil
}

// ID identifies the session in diagnostic logs.
func (s *Session) ID() string {
	return s.id
}

// Run opens the stream connection and processes events until ctx is done,
// then closes the connection.
func (s *Session) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.loop.Post(func() {
		s.runCtx = runCtx
		s.log.Info("session started")
		s.conn.Open(runCtx)
		s.publish()
	})
	err := s.loop.Run(runCtx)

	// The loop has stopped; this goroutine is the only one left touching session state.
	// An outstanding trigger can no longer report back, so its flag is dropped here.
	s.conn.Close()
	if s.release != nil {
		s.release()
	}
	s.publish()
	s.log.Info("session closed")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Done is closed once the session stops processing events.
func (s *Session) Done() <-chan struct{} {
	return s.loop.Stopped()
}

// Snapshot returns the latest published state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// SetTarget records the repository URL being edited and returns its validation.
func (s *Session) SetTarget(ctx context.Context, url string) (repourl.Result, error) {
	res := repourl.Validate(url)
	err := s.loop.Do(ctx, func() {
		s.target = url
		s.validation = res
		s.publish()
	})
	if errors.Is(err, eventloop.ErrStopped) {
		err = ErrClosed
	}
	return res, err
}

// Retry asks the connection to reconnect after retries were exhausted.
func (s *Session) Retry() error {
	if !s.loop.Post(s.conn.Retry) {
		return ErrClosed
	}
	return nil
}

func (s *Session) follow(entry logstream.Entry) {
	if s.onLog != nil {
		s.onLog(entry)
	}
}

func (s *Session) notify(n Notification) {
	if s.onNotify != nil {
		s.onNotify(n)
	}
}

func (s *Session) publish() {
	snap := s.buildSnapshot()
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	if s.onChange != nil {
		s.onChange(snap)
	}
}

func (s *Session) buildSnapshot() Snapshot {
	snap := Snapshot{
		SessionID:     s.id,
		Target:        s.target,
		Validation:    s.validation,
		State:         s.state,
		ConnectionErr: s.connErr,
		InProgress:    s.inProgress,
		Logs:          s.logs.Entries(),
	}
	if s.result != nil {
		res := *s.result
		snap.Result = &res
	}
	return snap
}

// observer adapts connection events onto session state. It runs on the loop.
type observer struct {
	s *Session
}

func (o observer) StateChanged(state realtime.ConnectionState) {
	o.s.state = state
	if state == realtime.Connected {
		o.s.connErr = nil
	}
	o.s.publish()
}

func (o observer) Message(payload []byte) {
	if err := o.s.logs.OnMessage(payload); err != nil {
		return
	}
	o.s.publish()
}

func (o observer) ConnectionFailed(err error) {
	o.s.log.Debug("stream connection attempt failed", "error", err)
	o.s.notify(Notification{Kind: NotifyError, Message: MsgConnectionFailed, Err: err})
}

func (o observer) Exhausted(err *realtime.ConnectionError) {
	o.s.connErr = err
	o.s.publish()
	o.s.notify(Notification{Kind: NotifyError, Message: MsgReconnectExhausted, Err: err})
}
