package realtime

import (
	"fmt"

	"github.com/splax/localvercel/internal/metrics"
)

// ConnectionState is the lifecycle position of the stream connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return metrics.StateDisconnected
	case Connecting:
		return metrics.StateConnecting
	case Connected:
		return metrics.StateConnected
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

type trigger int

const (
	triggerDial trigger = iota
	triggerConnected
	triggerConnectFailed
	triggerDropped
	triggerRetry
	triggerExhausted
	triggerClose
)

func (t trigger) String() string {
	switch t {
	case triggerDial:
		return "dial"
	case triggerConnected:
		return "connected"
	case triggerConnectFailed:
		return "connect_failed"
	case triggerDropped:
		return "dropped"
	case triggerRetry:
		return "retry"
	case triggerExhausted:
		return "exhausted"
	case triggerClose:
		return "close"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// transitions lists every legal (state, trigger) pair. Anything missing is rejected.
var transitions = map[ConnectionState]map[trigger]ConnectionState{
	Disconnected: {
		triggerDial:      Connecting,
		triggerRetry:     Connecting,
		triggerExhausted: Disconnected,
		triggerClose:     Disconnected,
	},
	Connecting: {
		triggerConnected:     Connected,
		triggerConnectFailed: Disconnected,
		triggerClose:         Disconnected,
	},
	Connected: {
		triggerDropped: Disconnected,
		triggerClose:   Disconnected,
	},
}

func nextState(from ConnectionState, t trigger) (ConnectionState, error) {
	to, ok := transitions[from][t]
	if !ok {
		return from, fmt.Errorf("invalid connection transition %s --%s-->", from, t)
	}
	return to, nil
}
