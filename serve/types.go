package serve

import (
	"context"
	"time"

	"github.com/guseggert/liveserve/proc"
	"github.com/guseggert/liveserve/remote"
	"github.com/guseggert/liveserve/watch"
)

// Session identifies the remote session shared by every child launched by one Supervisor.
type Session struct {
	ID          string
	Environment string
}

type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

type ChangeEvent = watch.ChangeEvent

// Launcher starts a fresh child process for the serve session.
// It returns an empty session ID, and no error, if the child did not report readiness within timeout.
type Launcher interface {
	Launch(ctx context.Context, req proc.LaunchRequest, timeout time.Duration) (proc.Child, string, error)
}

// Terminator stops a child, escalating to a kill after timeout. It must tolerate nil and exited children.
type Terminator interface {
	Terminate(ctx context.Context, c proc.Child, timeout time.Duration) error
}

// Remote is the remote side of the serve session.
type Remote interface {
	SendHeartbeat(ctx context.Context, sessionID string) error
	PullLogs(ctx context.Context, sessionID string, after uint64) (remote.LogStream, error)
}

// Output receives everything shown to the user.
type Output interface {
	PrintStatus(msg string)
	PrintWarning(msg string)
	PrintLog(rec remote.LogRecord)
	// ShowSpinner shows msg until the returned function is called.
	ShowSpinner(msg string) func()
}

var (
	_ Launcher   = (*proc.Launcher)(nil)
	_ Terminator = (*proc.Terminator)(nil)
	_ Remote     = (*remote.Client)(nil)
)
