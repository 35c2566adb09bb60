package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	EnvSessionID   = "LIVESERVE_SESSION_ID"
	EnvEnvironment = "LIVESERVE_ENVIRONMENT"
	EnvReadyFD     = "LIVESERVE_READY_FD"
	EnvRemoteURL   = "LIVESERVE_REMOTE_URL"
)

// Launcher starts the user's application as a fresh child process for every launch.
type Launcher struct {
	log *zap.SugaredLogger

	command   []string
	env       []string
	dir       string
	remoteURL string
	stdout    io.Writer
	stderr    io.Writer
}

type LauncherOption func(l *Launcher)

func WithLauncherLogger(log *zap.SugaredLogger) LauncherOption {
	return func(l *Launcher) {
		l.log = log.Named("launcher")
	}
}

// WithEnv adds KEY=VALUE pairs to the child's environment, on top of the supervisor's own.
func WithEnv(env ...string) LauncherOption {
	return func(l *Launcher) {
		l.env = append(l.env, env...)
	}
}

func WithDir(dir string) LauncherOption {
	return func(l *Launcher) {
		l.dir = dir
	}
}

// WithRemoteURL tells the child where the remote session server lives.
func WithRemoteURL(u string) LauncherOption {
	return func(l *Launcher) {
		l.remoteURL = u
	}
}

// WithOutput sets where the child's stdout and stderr go. By default they are inherited.
func WithOutput(stdout, stderr io.Writer) LauncherOption {
	return func(l *Launcher) {
		l.stdout = stdout
		l.stderr = stderr
	}
}

func NewLauncher(command []string, opts ...LauncherOption) (*Launcher, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("no command to launch")
	}
	l := &Launcher{
		log:     zap.NewNop().Sugar(),
		command: command,
		stdout:  os.Stdout,
		stderr:  os.Stderr,
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Description is the command line of the application being served.
func (l *Launcher) Description() string {
	return strings.Join(l.command, " ")
}

// Launch starts a new child and waits up to timeout for it to report readiness.
//
// A readiness timeout is not an error: the child may still be doing slow setup work, so it is left
// running and returned in StateStarting with an empty session ID. A child that exits before reporting
// is returned as well, in StateExited. If ctx is canceled while waiting, the child is killed.
func (l *Launcher) Launch(ctx context.Context, req LaunchRequest, timeout time.Duration) (Child, string, error) {
	readyR, readyW, err := os.Pipe()
	if err != nil {
		return nil, "", fmt.Errorf("creating readiness pipe: %w", err)
	}

	cmd := exec.Command(l.command[0], l.command[1:]...)
	cmd.Dir = l.dir
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr
	readyFDValue, err := prepareCmd(cmd, readyW)
	if err != nil {
		readyR.Close()
		readyW.Close()
		return nil, "", err
	}
	cmd.Env = append(os.Environ(), l.env...)
	cmd.Env = append(cmd.Env,
		EnvSessionID+"="+req.SessionID,
		EnvEnvironment+"="+req.Environment,
		EnvReadyFD+"="+readyFDValue,
	)
	if l.remoteURL != "" {
		cmd.Env = append(cmd.Env, EnvRemoteURL+"="+l.remoteURL)
	}

	err = cmd.Start()
	// the child holds its own copy of the write end; ours has to go so EOF is seen when the child exits
	readyW.Close()
	if err != nil {
		readyR.Close()
		return nil, "", fmt.Errorf("starting %q: %w", l.command[0], err)
	}

	p := newProcess(l.log, cmd, readyR)
	l.log.Debugw("started process", "PID", p.PID(), "Command", l.command, "ExistingSession", req.SessionID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.Ready():
		id := p.SessionID()
		if id == "" {
			l.log.Debugf("process %d did not report a session (state %s)", p.PID(), p.State())
		}
		return p, id, nil
	case <-timer.C:
		l.log.Debugf("process %d not ready after %s, leaving it running", p.PID(), timeout)
		return p, "", nil
	case <-ctx.Done():
		l.log.Debugf("launch of process %d canceled, killing it", p.PID())
		if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			l.log.Debugf("killing process %d: %s", p.PID(), err)
		}
		<-p.Done()
		return nil, "", ctx.Err()
	}
}
