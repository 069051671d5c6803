// Package logstream turns inbound stream payloads into an ordered, append-only log.
package logstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/localvercel/internal/metrics"
)

const maxPayloadSample = 256

var errMissingLog = errors.New(`payload has no "log" field`)

// Entry is a single log line, indexed by arrival order.
type Entry struct {
	Index      int
	Text       string
	ReceivedAt time.Time
}

// ParseError describes an inbound payload that could not be turned into an entry.
type ParseError struct {
	Payload string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse log payload: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

type payload struct {
	Log *string `json:"log"`
}

// Aggregator owns the session's log buffer. It is not safe for concurrent
// use; callers drive it from a single goroutine.
type Aggregator struct {
	entries []Entry
	follow  func(Entry)
	log     *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithFollow registers fn to be called with every appended entry so a view
// can move to the newest line.
func WithFollow(fn func(Entry)) Option {
	return func(a *Aggregator) {
		a.follow = fn
	}
}

// WithMetrics records appended and discarded payloads on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(a *Aggregator) {
		a.metrics = c
	}
}

// WithClock overrides the timestamp source for received entries.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// New constructs an empty Aggregator. Malformed payloads are reported on logger.
func New(logger *slog.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{log: logger, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// OnMessage parses raw as {"log": string} and appends it. A malformed payload
// is logged, counted and returned as *ParseError; the buffer is left untouched.
func (a *Aggregator) OnMessage(raw []byte) error {
	var p payload
	err := json.Unmarshal(raw, &p)
	if err == nil && p.Log == nil {
		err = errMissingLog
	}
	if err != nil {
		perr := &ParseError{Payload: sample(raw), Err: err}
		a.metrics.ParseError()
		a.log.Warn("discarding malformed log payload", "error", err, "payload", perr.Payload)
		return perr
	}

	entry := Entry{Index: len(a.entries), Text: *p.Log, ReceivedAt: a.now().UTC()}
	a.entries = append(a.entries, entry)
	a.metrics.LogReceived()
	if a.follow != nil {
		a.follow(entry)
	}
	return nil
}

// Entries returns the buffer as it is now. The returned slice shares storage
// with the buffer but is capped, so later appends never show through it.
func (a *Aggregator) Entries() []Entry {
	n := len(a.entries)
	return a.entries[:n:n]
}

// Len reports how many entries have been appended.
func (a *Aggregator) Len() int {
	return len(a.entries)
}

// Texts returns the log lines in arrival order.
func (a *Aggregator) Texts() []string {
	out := make([]string, len(a.entries))
	for i, entry := range a.entries {
		out[i] = entry.Text
	}
	return out
}

func sample(raw []byte) string {
	if len(raw) > maxPayloadSample {
		return string(raw[:maxPayloadSample]) + "..."
	}
	return string(raw)
}
