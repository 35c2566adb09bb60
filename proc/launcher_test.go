//go:build !windows

package proc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaunch(t *testing.T) {
	cases := []struct {
		name         string
		mode         string
		existing     string
		expSessionID string
		expState     State
		timeout      time.Duration
	}{
		{
			name:         "new session",
			mode:         "ready",
			expSessionID: "se-fresh",
			expState:     StateReady,
			timeout:      10 * time.Second,
		},
		{
			name:         "resumes existing session",
			mode:         "ready",
			existing:     "se-123",
			expSessionID: "se-123",
			expState:     StateReady,
			timeout:      10 * time.Second,
		},
		{
			name:     "readiness timeout leaves child running",
			mode:     "never-ready",
			existing: "se-123",
			expState: StateStarting,
			timeout:  200 * time.Millisecond,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ctx := context.Background()
			l := newTestLauncher(t, c.mode)

			child, id, err := l.Launch(ctx, LaunchRequest{SessionID: c.existing, Environment: "test"}, c.timeout)
			require.NoError(t, err)
			require.NotNil(t, child)
			t.Cleanup(func() { _ = child.Kill() })

			assert.Equal(t, c.expSessionID, id)
			assert.Equal(t, c.expState, child.State())
			assert.Greater(t, child.PID(), 0)
			_, exited := child.ExitCode()
			assert.False(t, exited)

			term := NewTerminator(&recordingPrinter{})
			require.NoError(t, term.Terminate(ctx, child, 5*time.Second))
			code, exited := child.ExitCode()
			assert.True(t, exited)
			if c.expState == StateReady {
				// the child installs its SIGTERM handler before reporting ready
				assert.Equal(t, 0, code)
			}
			assert.Equal(t, StateExited, child.State())
		})
	}
}

func TestLaunchChildExitsBeforeReady(t *testing.T) {
	l := newTestLauncher(t, "exit")

	child, id, err := l.Launch(context.Background(), LaunchRequest{}, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "", id)

	select {
	case <-child.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("child did not exit")
	}
	code, exited := child.ExitCode()
	assert.True(t, exited)
	assert.Equal(t, 3, code)
}

func TestLaunchCanceled(t *testing.T) {
	l := newTestLauncher(t, "never-ready")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	child, _, err := l.Launch(ctx, LaunchRequest{}, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, child)
}

func TestLaunchMissingBinary(t *testing.T) {
	l, err := NewLauncher([]string{"/definitely/not/a/real/binary"})
	require.NoError(t, err)

	_, _, err = l.Launch(context.Background(), LaunchRequest{}, time.Second)
	require.ErrorContains(t, err, "starting")
}

func TestNewLauncherRequiresCommand(t *testing.T) {
	_, err := NewLauncher(nil)
	require.Error(t, err)
}

func TestReportReadyNotSupervised(t *testing.T) {
	t.Setenv(EnvReadyFD, "")
	require.ErrorIs(t, reportReady("se-1"), ErrNotSupervised)
	require.Error(t, reportReady(""))
}
