// Package realtime owns the persistent connection to the log streaming service.
//
// A Manager tracks the connection through an explicit state machine
// (Disconnected, Connecting, Connected), reconnects with a bounded retry
// Policy, and emits subscribe events for log topics. The Manager does no
// locking of its own: every method and every event it posts must run on the
// single loop that owns it (see internal/eventloop). Dialing, reading and
// retry timers happen on helper goroutines that only post events back to
// that loop.
package realtime
