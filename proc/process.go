package proc

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Process is a Child backed by an OS process started with os/exec.
type Process struct {
	log   *zap.SugaredLogger
	cmd   *exec.Cmd
	pid   int
	start time.Time

	mu        sync.Mutex
	state     State
	exitCode  int
	exited    bool
	sessionID string

	done  chan struct{}
	ready chan struct{}
}

func newProcess(log *zap.SugaredLogger, cmd *exec.Cmd, readyR io.ReadCloser) *Process {
	p := &Process{
		log:   log,
		cmd:   cmd,
		pid:   cmd.Process.Pid,
		start: time.Now(),
		state: StateStarting,
		done:  make(chan struct{}),
		ready: make(chan struct{}),
	}
	go p.readReadiness(readyR)
	go p.wait()
	return p
}

func (p *Process) PID() int { return p.pid }

func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Ready() <-chan struct{} { return p.ready }

func (p *Process) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Signal sends sig to the process and everything it started. Once the process has been reaped this
// returns os.ErrProcessDone.
func (p *Process) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return os.ErrProcessDone
	}
	err := signalGroup(p.cmd.Process, sig)
	if err == nil {
		p.state = StateTerminating
	}
	return err
}

func (p *Process) Kill() error {
	return p.Signal(os.Kill)
}

func (p *Process) String() string {
	return strings.Join(p.cmd.Args, " ")
}

// readReadiness reads the single readiness value. The pipe resolves either with a value or with EOF
// when the child closes it (or exits) without reporting.
func (p *Process) readReadiness(r io.ReadCloser) {
	defer close(p.ready)
	defer r.Close()

	line, err := bufio.NewReader(r).ReadString('\n')
	id := strings.TrimSpace(line)
	if err != nil && !errors.Is(err, io.EOF) {
		p.log.Debugf("reading readiness of process %d: %s", p.pid, err)
	}
	if id == "" {
		p.log.Debugf("process %d closed readiness pipe without reporting", p.pid)
		return
	}

	p.mu.Lock()
	p.sessionID = id
	if p.state == StateStarting {
		p.state = StateReady
	}
	p.mu.Unlock()
	p.log.Debugw("process reported ready", "PID", p.pid, "SessionID", id, "After", time.Since(p.start))
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			p.log.Debugf("unexpected wait error for process %d: %s", p.pid, err)
			exitCode = -1
		}
	}

	p.mu.Lock()
	p.state = StateExited
	p.exited = true
	p.exitCode = exitCode
	p.mu.Unlock()

	p.log.Debugw("process exited", "PID", p.pid, "ExitCode", exitCode, "Runtime", time.Since(p.start))
	close(p.done)
}
