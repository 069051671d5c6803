package session

import (
	"github.com/splax/localvercel/internal/logstream"
	"github.com/splax/localvercel/internal/realtime"
	apiclient "github.com/splax/localvercel/pkg/api/client"
	"github.com/splax/localvercel/pkg/repourl"
)

// Notification messages shown to the user.
const (
	MsgDeployStarted    = "Deployment started successfully!"
	MsgDeployFailed     = "Failed to start deployment"
	MsgSubscribeFailed  = "Failed to subscribe to deployment logs"
	MsgConnectionFailed = "Socket connection failed"
	// MsgReconnectExhausted is sent once automatic reconnection gives up.
	MsgReconnectExhausted = "Socket connection lost, reconnect attempts exhausted"
)

// NotificationKind separates good news from bad.
type NotificationKind int

const (
	NotifySuccess NotificationKind = iota
	NotifyError
)

func (k NotificationKind) String() string {
	if k == NotifySuccess {
		return "success"
	}
	return "error"
}

// Notification is a transient message for the user.
type Notification struct {
	Kind    NotificationKind
	Message string
	Err     error
}

// Snapshot is an immutable view of the session for presentation.
type Snapshot struct {
	SessionID  string
	Target     string
	Validation repourl.Result
	State      realtime.ConnectionState
	// ConnectionErr stays set from retry exhaustion until the next successful connect.
	ConnectionErr error
	InProgress    bool
	Result        *apiclient.DeploymentResult
	Logs          []logstream.Entry
}

// CanDeploy reports whether the deploy action should be enabled.
func (s Snapshot) CanDeploy() bool {
	return s.Validation.Valid && s.State == realtime.Connected && !s.InProgress
}
