package serve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/guseggert/liveserve/proc"
)

const spinnerMessage = "Running app..."

// Supervisor runs one serve session. It can only be run once.
type Supervisor struct {
	log        *zap.SugaredLogger
	launcher   Launcher
	terminator Terminator
	remote     Remote
	output     Output
	events     <-chan ChangeEvent
	metrics    Metrics

	environment          string
	readyTimeout         time.Duration
	terminateTimeout     time.Duration
	heartbeatInterval    time.Duration
	heartbeatTimeout     time.Duration
	maxHeartbeatFailures int
	logRetryInterval     time.Duration
	goos                 string

	started atomic.Bool
	state   atomic.Int32

	// session is written once, before ready is closed
	session Session
	ready   chan struct{}
}

// New builds a Supervisor that restarts the child on every event received from events.
// The serve session ends when events is closed.
func New(launcher Launcher, terminator Terminator, remote Remote, output Output, events <-chan ChangeEvent, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:               zap.NewNop().Sugar(),
		launcher:          launcher,
		terminator:        terminator,
		remote:            remote,
		output:            output,
		events:            events,
		metrics:           NewNoopMetrics(),
		environment:       DefaultEnvironment,
		readyTimeout:      DefaultReadyTimeout,
		terminateTimeout:  DefaultTerminateTimeout,
		heartbeatInterval: DefaultHeartbeatInterval,
		heartbeatTimeout:  DefaultHeartbeatTimeout,
		logRetryInterval:  DefaultLogRetryInterval,
		goos:              defaultGOOS(),
		ready:             make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.environment == "" {
		s.environment = DefaultEnvironment
	}
	return s
}

func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.log.Debugw("state transition", "From", old, "To", st)
	}
}

// Ready is closed once the session has been established.
func (s *Supervisor) Ready() <-chan struct{} { return s.ready }

// Session returns the serve session, or false if it has not been established yet.
func (s *Supervisor) Session() (Session, bool) {
	select {
	case <-s.ready:
		return s.session, true
	default:
		return Session{}, false
	}
}

// Run launches the first child, then restarts it for every change event until ctx is canceled,
// the event stream is closed, or something unrecoverable happens.
// The current child is always terminated before Run returns.
// Cancellation and stream exhaustion are not errors.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer s.setState(StateStopped)
	s.setState(StateRunning)

	child, err := s.launchFirst(ctx)
	if err != nil {
		s.setState(StateDraining)
		if child != nil {
			s.drain(ctx, child)
		}
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	scopeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(scopeCtx)
	g.Go(func() error { return s.heartbeatLoop(gctx, s.session.ID) })
	g.Go(func() error { return s.logLoop(gctx, s.session.ID) })

	stopSpinner := s.output.ShowSpinner(spinnerMessage)
	child, loopErr := s.restartLoop(gctx, child)
	stopSpinner()

	s.setState(StateDraining)
	termErr := s.drain(ctx, child)

	cancel()
	bgErr := g.Wait()

	for _, err := range []error{loopErr, bgErr, termErr} {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// launchFirst launches the first child and publishes the session it reports.
func (s *Supervisor) launchFirst(ctx context.Context) (proc.Child, error) {
	s.log.Infow("launching serve process", "Environment", s.environment)
	child, id, err := s.launcher.Launch(ctx, proc.LaunchRequest{Environment: s.environment}, s.readyTimeout)
	s.metrics.ChildLaunched(true, err)
	if err != nil {
		return nil, fmt.Errorf("launching serve process: %w", err)
	}

	if id == "" {
		s.log.Infow("serve process not ready yet, waiting for it to report a session", "PID", child.PID(), "Timeout", s.readyTimeout)
		id, err = awaitSession(ctx, child)
		if err != nil {
			return child, err
		}
	}

	s.session = Session{ID: id, Environment: s.environment}
	close(s.ready)
	s.log.Infow("serve session established", "SessionID", id, "PID", child.PID())
	return child, nil
}

// awaitSession waits for a child that missed its readiness timeout to report its session.
func awaitSession(ctx context.Context, child proc.Child) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-child.Ready():
	case <-child.Done():
		// readiness may have resolved right before exit
		select {
		case <-child.Ready():
		default:
			return "", fmt.Errorf("serve process %d: %w", child.PID(), ErrNoSession)
		}
	}
	if id := child.SessionID(); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("serve process %d: %w", child.PID(), ErrNoSession)
}

// restartLoop consumes change events one at a time, returning the child that is current when it stops.
func (s *Supervisor) restartLoop(ctx context.Context, child proc.Child) (proc.Child, error) {
	supported := liveReloadSupported(s.goos)
	for {
		var (
			ev ChangeEvent
			ok bool
		)
		select {
		case <-ctx.Done():
			return child, nil
		case ev, ok = <-s.events:
		}
		if !ok {
			s.log.Debug("change stream ended")
			return child, nil
		}

		if !supported {
			s.output.PrintWarning(fmt.Sprintf("Live-reload skipped. This feature is currently unsupported on %s.", platformName(s.goos)))
			continue
		}

		s.log.Debugf("The following files triggered an app update: %s", strings.Join(ev.Paths(), ", "))
		next, err := s.restart(ctx, child)
		if next != nil {
			child = next
		}
		if err != nil {
			if ctx.Err() != nil {
				return child, nil
			}
			return child, err
		}
	}
}

// restart terminates child and launches its replacement against the same session.
// It returns the replacement, or nil if none was launched.
func (s *Supervisor) restart(ctx context.Context, child proc.Child) (proc.Child, error) {
	start := time.Now()
	if err := s.terminator.Terminate(ctx, child, s.terminateTimeout); err != nil {
		return nil, fmt.Errorf("terminating serve process: %w", err)
	}

	next, id, err := s.launcher.Launch(ctx, proc.LaunchRequest{SessionID: s.session.ID, Environment: s.environment}, s.readyTimeout)
	s.metrics.ChildLaunched(false, err)
	if err != nil {
		return nil, fmt.Errorf("relaunching serve process: %w", err)
	}
	s.metrics.Restarted(time.Since(start))

	switch {
	case id == "":
		s.log.Debugw("relaunched serve process is not ready yet", "PID", next.PID(), "Timeout", s.readyTimeout)
	case id != s.session.ID:
		s.log.Warnw("relaunched serve process reported a different session, keeping the original",
			"SessionID", s.session.ID, "Reported", id, "PID", next.PID())
	default:
		s.log.Debugw("relaunched serve process", "SessionID", id, "PID", next.PID())
	}
	return next, nil
}

// drain terminates the current child. It runs even if ctx is already canceled.
func (s *Supervisor) drain(ctx context.Context, child proc.Child) error {
	if err := s.terminator.Terminate(context.WithoutCancel(ctx), child, s.terminateTimeout); err != nil {
		s.log.Warnw("error terminating serve process", "Error", err)
		return fmt.Errorf("terminating serve process: %w", err)
	}
	return nil
}

func platformName(goos string) string {
	switch goos {
	case "windows":
		return "Windows"
	case "darwin":
		return "macOS"
	case "":
		return "this platform"
	default:
		return strings.ToUpper(goos[:1]) + goos[1:]
	}
}
