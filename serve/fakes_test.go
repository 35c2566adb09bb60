package serve

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/guseggert/liveserve/proc"
	"github.com/guseggert/liveserve/remote"
)

// opLog records launches and terminations in the order they happen.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, fmt.Sprintf(format, args...))
}

func (l *opLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type fakeChild struct {
	pid int

	mu        sync.Mutex
	state     proc.State
	sessionID string
	done      chan struct{}
	ready     chan struct{}
	exitOnce  sync.Once
	readyOnce sync.Once
}

func newFakeChild(pid int) *fakeChild {
	return &fakeChild{
		pid:   pid,
		done:  make(chan struct{}),
		ready: make(chan struct{}),
	}
}

// report resolves readiness, with an empty id meaning the pipe was closed without a value.
func (c *fakeChild) report(id string) {
	c.readyOnce.Do(func() {
		c.mu.Lock()
		c.sessionID = id
		if id != "" {
			c.state = proc.StateReady
		}
		c.mu.Unlock()
		close(c.ready)
	})
}

func (c *fakeChild) exit() {
	c.exitOnce.Do(func() {
		c.mu.Lock()
		c.state = proc.StateExited
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeChild) PID() int { return c.pid }

func (c *fakeChild) State() proc.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChild) ExitCode() (int, bool) {
	if c.State() == proc.StateExited {
		return 0, true
	}
	return 0, false
}

func (c *fakeChild) Done() <-chan struct{}  { return c.done }
func (c *fakeChild) Ready() <-chan struct{} { return c.ready }

func (c *fakeChild) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *fakeChild) Signal(sig os.Signal) error {
	c.exit()
	return nil
}

func (c *fakeChild) Kill() error {
	c.exit()
	return nil
}

// launchFunc decides what the nth launch (starting at 1) produces.
type launchFunc func(n int, req proc.LaunchRequest, c *fakeChild) (string, error)

type fakeLauncher struct {
	ops    *opLog
	launch launchFunc

	mu       sync.Mutex
	requests []proc.LaunchRequest
	children []*fakeChild
}

// readyWith reports id on the first launch and echoes the requested session afterwards.
func readyWith(id string) launchFunc {
	return func(n int, req proc.LaunchRequest, c *fakeChild) (string, error) {
		if req.SessionID != "" {
			id = req.SessionID
		}
		c.report(id)
		return id, nil
	}
}

func (l *fakeLauncher) Launch(ctx context.Context, req proc.LaunchRequest, timeout time.Duration) (proc.Child, string, error) {
	l.mu.Lock()
	n := len(l.requests) + 1
	l.requests = append(l.requests, req)
	c := newFakeChild(1000 + n)
	l.mu.Unlock()

	f := l.launch
	if f == nil {
		f = readyWith("se-1")
	}
	id, err := f(n, req, c)
	if err != nil {
		l.ops.add("launch-failed")
		return nil, "", err
	}

	l.mu.Lock()
	l.children = append(l.children, c)
	l.mu.Unlock()
	l.ops.add("launch:%d", c.pid)
	return c, id, nil
}

func (l *fakeLauncher) Requests() []proc.LaunchRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]proc.LaunchRequest(nil), l.requests...)
}

func (l *fakeLauncher) Children() []*fakeChild {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeChild(nil), l.children...)
}

type fakeTerminator struct {
	ops *opLog
	err error

	mu      sync.Mutex
	calls   int
	ctxErrs []error
}

func (t *fakeTerminator) Terminate(ctx context.Context, c proc.Child, timeout time.Duration) error {
	t.mu.Lock()
	t.calls++
	t.ctxErrs = append(t.ctxErrs, ctx.Err())
	t.mu.Unlock()
	if c == nil {
		t.ops.add("terminate:nil")
		return nil
	}
	t.ops.add("terminate:%d", c.PID())
	if t.err != nil {
		return t.err
	}
	select {
	case <-c.Done():
		return nil
	default:
	}
	return c.Signal(os.Interrupt)
}

func (t *fakeTerminator) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

type streamItem struct {
	recs []remote.LogRecord
	err  error
}

type fakeStream struct {
	items  chan streamItem
	closed chan struct{}
	once   sync.Once
}

func newFakeStream(items ...streamItem) *fakeStream {
	s := &fakeStream{items: make(chan streamItem, len(items)), closed: make(chan struct{})}
	for _, it := range items {
		s.items <- it
	}
	return s
}

func (s *fakeStream) Next(ctx context.Context) ([]remote.LogRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case it := <-s.items:
		return it.recs, it.err
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeRemote struct {
	heartbeat func(n int) error

	mu         sync.Mutex
	heartbeats int
	pulls      []uint64
	streams    []*fakeStream
	pullErr    error
}

func (r *fakeRemote) SendHeartbeat(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	r.heartbeats++
	n := r.heartbeats
	r.mu.Unlock()
	if r.heartbeat != nil {
		return r.heartbeat(n)
	}
	return nil
}

// PullLogs hands out the queued streams in order, then streams that never yield anything.
func (r *fakeRemote) PullLogs(ctx context.Context, sessionID string, after uint64) (remote.LogStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls = append(r.pulls, after)
	if r.pullErr != nil {
		return nil, r.pullErr
	}
	if len(r.streams) == 0 {
		return newFakeStream(), nil
	}
	s := r.streams[0]
	r.streams = r.streams[1:]
	return s, nil
}

func (r *fakeRemote) Heartbeats() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heartbeats
}

func (r *fakeRemote) Pulls() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.pulls...)
}

type fakeOutput struct {
	mu       sync.Mutex
	statuses []string
	warnings []string
	logs     []remote.LogRecord
	spinners int
	stopped  int
}

func (o *fakeOutput) PrintStatus(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, msg)
}

func (o *fakeOutput) PrintWarning(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.warnings = append(o.warnings, msg)
}

func (o *fakeOutput) PrintLog(rec remote.LogRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logs = append(o.logs, rec)
}

func (o *fakeOutput) ShowSpinner(msg string) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.spinners++
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.stopped++
	}
}

func (o *fakeOutput) Warnings() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.warnings...)
}

func (o *fakeOutput) Logs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var data []string
	for _, r := range o.logs {
		data = append(data, r.Data)
	}
	return data
}
