package proc

import (
	"os"
	"time"
)

// State is the lifecycle state of a child process.
type State int

const (
	StateStarting State = iota
	StateReady
	StateTerminating
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateReady:
		return "Ready"
	case StateTerminating:
		return "Terminating"
	case StateExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// Child is a handle to one launched child process.
// A handle belongs to a single restart cycle and is discarded once terminated.
type Child interface {
	PID() int
	State() State
	// ExitCode returns the exit code and true once the process has exited.
	ExitCode() (int, bool)
	// Done is closed when the process exits.
	Done() <-chan struct{}
	// Ready is closed when the readiness pipe resolves, either with a value or because the child closed it.
	Ready() <-chan struct{}
	// SessionID is the value reported over the readiness pipe, empty if none was reported (yet).
	SessionID() string
	Signal(sig os.Signal) error
	Kill() error
}

// LaunchRequest describes which remote session a new child should attach to.
type LaunchRequest struct {
	// SessionID is the session to resume. Empty asks the child to create a new one.
	SessionID   string
	Environment string
}

// Outcome describes how a termination request resolved.
type Outcome int

const (
	// OutcomeNoop means there was nothing to terminate.
	OutcomeNoop Outcome = iota
	OutcomeExited
	OutcomeKilled
	// OutcomeAlreadyGone means the process exited on its own before it could be signaled.
	OutcomeAlreadyGone
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoop:
		return "noop"
	case OutcomeExited:
		return "exited"
	case OutcomeKilled:
		return "killed"
	case OutcomeAlreadyGone:
		return "already_gone"
	default:
		return "unknown"
	}
}

// StatusPrinter receives the human-visible status lines produced during termination.
type StatusPrinter interface {
	PrintStatus(msg string)
	PrintWarning(msg string)
}

const (
	DefaultReadyTimeout     = 5 * time.Second
	DefaultTerminateTimeout = 5 * time.Second
	DefaultKillWait         = 5 * time.Second
)
