package proc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// Terminator stops children gracefully, escalating to a kill when they do not exit in time.
type Terminator struct {
	log       *zap.SugaredLogger
	out       StatusPrinter
	killWait  time.Duration
	onOutcome func(Outcome, time.Duration)
}

type TerminatorOption func(t *Terminator)

func WithTerminatorLogger(log *zap.SugaredLogger) TerminatorOption {
	return func(t *Terminator) {
		t.log = log.Named("terminator")
	}
}

// WithKillWait bounds how long to wait for a killed process to be reaped.
func WithKillWait(d time.Duration) TerminatorOption {
	return func(t *Terminator) {
		t.killWait = d
	}
}

// WithOutcomeHook registers a function called with the outcome and duration of every termination.
func WithOutcomeHook(f func(Outcome, time.Duration)) TerminatorOption {
	return func(t *Terminator) {
		t.onOutcome = f
	}
}

func NewTerminator(out StatusPrinter, opts ...TerminatorOption) *Terminator {
	t := &Terminator{
		log:      zap.NewNop().Sugar(),
		out:      out,
		killWait: DefaultKillWait,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Terminate asks c to shut down and waits up to timeout for it to exit, then kills it.
// It is safe to call on a nil or already-exited child.
// Canceling ctx skips the rest of the grace period and kills the child right away.
func (t *Terminator) Terminate(ctx context.Context, c Child, timeout time.Duration) error {
	start := time.Now()
	outcome, err := t.terminate(ctx, c, timeout)
	if t.onOutcome != nil && outcome != OutcomeNoop {
		t.onOutcome(outcome, time.Since(start))
	}
	return err
}

func (t *Terminator) terminate(ctx context.Context, c Child, timeout time.Duration) (Outcome, error) {
	if c == nil {
		return OutcomeNoop, nil
	}
	select {
	case <-c.Done():
		return OutcomeNoop, nil
	default:
	}

	pid := c.PID()
	err := c.Signal(gracefulSignal)
	if errors.Is(err, os.ErrProcessDone) {
		t.log.Debugf("process %d already finished", pid)
		return OutcomeAlreadyGone, nil
	}
	if err != nil {
		return OutcomeNoop, fmt.Errorf("signaling process %d: %w", pid, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.Done():
		t.out.PrintStatus(fmt.Sprintf("Serve process %d terminated", pid))
		return OutcomeExited, nil
	case <-ctx.Done():
		t.log.Debugf("termination of process %d canceled, killing it", pid)
		if err := t.kill(c); err != nil {
			return OutcomeKilled, err
		}
		return OutcomeKilled, ctx.Err()
	case <-timer.C:
	}

	t.out.PrintWarning(fmt.Sprintf("Serve process %d didn't terminate after %s, killing it", pid, timeout))
	return OutcomeKilled, t.kill(c)
}

func (t *Terminator) kill(c Child) error {
	pid := c.PID()
	err := c.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("killing process %d: %w", pid, err)
	}

	timer := time.NewTimer(t.killWait)
	defer timer.Stop()
	select {
	case <-c.Done():
		t.log.Debugf("process %d killed", pid)
		return nil
	case <-timer.C:
		return fmt.Errorf("process %d did not exit %s after being killed", pid, t.killWait)
	}
}
