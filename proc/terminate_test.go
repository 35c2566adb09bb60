//go:build !windows

package proc

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *outcomeRecorder) record(o Outcome, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func TestTerminateNil(t *testing.T) {
	out := &recordingPrinter{}
	term := NewTerminator(out)
	require.NoError(t, term.Terminate(context.Background(), nil, time.Second))
	statuses, warnings := out.snapshot()
	assert.Empty(t, statuses)
	assert.Empty(t, warnings)
}

func TestTerminateGraceful(t *testing.T) {
	ctx := context.Background()
	child, _, err := newTestLauncher(t, "ready").Launch(ctx, LaunchRequest{}, 10*time.Second)
	require.NoError(t, err)

	out := &recordingPrinter{}
	rec := &outcomeRecorder{}
	term := NewTerminator(out, WithOutcomeHook(rec.record))
	require.NoError(t, term.Terminate(ctx, child, 5*time.Second))

	statuses, warnings := out.snapshot()
	assert.Equal(t, []string{fmt.Sprintf("Serve process %d terminated", child.PID())}, statuses)
	assert.Empty(t, warnings)
	assert.Equal(t, []Outcome{OutcomeExited}, rec.outcomes)

	// a second call is a no-op
	require.NoError(t, term.Terminate(ctx, child, 5*time.Second))
	statuses, _ = out.snapshot()
	assert.Len(t, statuses, 1)
	assert.Equal(t, []Outcome{OutcomeExited}, rec.outcomes)
}

func TestTerminateAlreadyExited(t *testing.T) {
	ctx := context.Background()
	child, _, err := newTestLauncher(t, "exit").Launch(ctx, LaunchRequest{}, 10*time.Second)
	require.NoError(t, err)
	<-child.Done()

	out := &recordingPrinter{}
	term := NewTerminator(out)
	require.NoError(t, term.Terminate(ctx, child, time.Second))

	statuses, warnings := out.snapshot()
	assert.Empty(t, statuses)
	assert.Empty(t, warnings)
}

func TestTerminateEscalatesToKill(t *testing.T) {
	ctx := context.Background()
	child, id, err := newTestLauncher(t, "ignore-term").Launch(ctx, LaunchRequest{}, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, "se-fresh", id)

	out := &recordingPrinter{}
	rec := &outcomeRecorder{}
	term := NewTerminator(out, WithOutcomeHook(rec.record))

	start := time.Now()
	require.NoError(t, term.Terminate(ctx, child, 300*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	statuses, warnings := out.snapshot()
	assert.Empty(t, statuses)
	assert.Equal(t, []string{fmt.Sprintf("Serve process %d didn't terminate after 300ms, killing it", child.PID())}, warnings)
	assert.Equal(t, []Outcome{OutcomeKilled}, rec.outcomes)

	select {
	case <-child.Done():
	default:
		t.Fatal("child should have exited after kill")
	}
}

func TestTerminateCanceled(t *testing.T) {
	child, _, err := newTestLauncher(t, "ignore-term").Launch(context.Background(), LaunchRequest{}, 10*time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	term := NewTerminator(&recordingPrinter{})
	start := time.Now()
	err = term.Terminate(ctx, child, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 30*time.Second)
	<-child.Done()
}

// goneChild exits between the Done check and the graceful signal.
type goneChild struct {
	done chan struct{}
}

func (c *goneChild) PID() int                   { return 4242 }
func (c *goneChild) State() State               { return StateTerminating }
func (c *goneChild) ExitCode() (int, bool)      { return 0, false }
func (c *goneChild) Done() <-chan struct{}      { return c.done }
func (c *goneChild) Ready() <-chan struct{}     { return c.done }
func (c *goneChild) SessionID() string          { return "" }
func (c *goneChild) Signal(sig os.Signal) error { return os.ErrProcessDone }
func (c *goneChild) Kill() error                { return os.ErrProcessDone }

func TestTerminateRacesWithExit(t *testing.T) {
	out := &recordingPrinter{}
	rec := &outcomeRecorder{}
	term := NewTerminator(out, WithOutcomeHook(rec.record))

	require.NoError(t, term.Terminate(context.Background(), &goneChild{done: make(chan struct{})}, time.Second))

	statuses, warnings := out.snapshot()
	assert.Empty(t, statuses)
	assert.Empty(t, warnings)
	assert.Equal(t, []Outcome{OutcomeAlreadyGone}, rec.outcomes)
}

// processAlive reports whether pid exists and is not a zombie waiting to be reaped.
func processAlive(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	// the state follows the parenthesized command name
	i := bytes.LastIndexByte(stat, ')')
	return i < 0 || i+2 >= len(stat) || stat[i+2] != 'Z'
}

func TestTerminateStopsProcessGroup(t *testing.T) {
	ctx := context.Background()
	pidFile := filepath.Join(t.TempDir(), "pid")
	l, err := NewLauncher([]string{"sh", "-c", fmt.Sprintf("sleep 300 & echo $! > '%s'; wait", pidFile)})
	require.NoError(t, err)

	child, id, err := l.Launch(ctx, LaunchRequest{}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, id)

	var appPID int
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		appPID, err = strconv.Atoi(strings.TrimSpace(string(b)))
		return err == nil
	}, 10*time.Second, 10*time.Millisecond)
	require.True(t, processAlive(appPID))

	require.NoError(t, NewTerminator(&recordingPrinter{}).Terminate(ctx, child, 2*time.Second))
	<-child.Done()
	assert.Eventually(t, func() bool { return !processAlive(appPID) }, 10*time.Second, 20*time.Millisecond,
		"sleep %d outlived its shell", appPID)
}
