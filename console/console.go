// Package console renders supervisor output for a terminal: status lines, warnings,
// application logs, and a spinner while the serve session is idle.
package console

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/guseggert/liveserve/remote"
)

var (
	colorStatus  = lipgloss.Color("#22c55e")
	colorWarning = lipgloss.Color("#dc2626")
	colorDimmed  = lipgloss.Color("#6b7280")
)

const clearLine = "\r\x1b[K"

// Console writes to a single writer. It is safe for concurrent use.
type Console struct {
	log         *zap.SugaredLogger
	interactive bool
	spinner     spinner.Spinner

	styleStatus  lipgloss.Style
	styleWarning lipgloss.Style
	styleSystem  lipgloss.Style
	styleSpinner lipgloss.Style

	mu       sync.Mutex
	out      io.Writer
	spinning bool
	drawn    bool
	frame    int
	spinMsg  string
	// atLineStart is false while the last log record written did not end in a newline
	atLineStart bool
}

type Option func(c *Console)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Console) {
		c.log = l.Named("console")
	}
}

// WithInteractive animates the spinner in place. Otherwise the spinner message is printed once.
func WithInteractive(interactive bool) Option {
	return func(c *Console) {
		c.interactive = interactive
	}
}

func WithSpinner(s spinner.Spinner) Option {
	return func(c *Console) {
		c.spinner = s
	}
}

func New(out io.Writer, opts ...Option) *Console {
	r := lipgloss.NewRenderer(out)
	c := &Console{
		log:          zap.NewNop().Sugar(),
		out:          out,
		spinner:      spinner.Dot,
		styleStatus:  r.NewStyle().Foreground(colorStatus),
		styleWarning: r.NewStyle().Foreground(colorWarning).Bold(true),
		styleSystem:  r.NewStyle().Foreground(colorDimmed),
		styleSpinner: r.NewStyle().Foreground(colorDimmed),
		atLineStart:  true,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// write must be called with mu held.
func (c *Console) write(s string) {
	if c.drawn {
		s = clearLine + s
		c.drawn = false
	}
	if _, err := io.WriteString(c.out, s); err != nil {
		c.log.Debugf("writing output: %s", err)
	}
}

func (c *Console) line(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.atLineStart {
		s = "\n" + s
		c.atLineStart = true
	}
	c.write(s + "\n")
	c.redraw()
}

func (c *Console) PrintStatus(msg string) {
	c.line(c.styleStatus.Render("✓ ") + msg)
}

func (c *Console) PrintWarning(msg string) {
	c.line(c.styleWarning.Render(msg))
}

// PrintLog writes an application log record as-is. System records are dimmed.
func (c *Console) PrintLog(rec remote.LogRecord) {
	if rec.Data == "" {
		return
	}
	data := rec.Data
	if rec.Stream == remote.StreamSystem {
		data = c.styleSystem.Render(strings.TrimSuffix(data, "\n")) + "\n"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.write(data)
	c.atLineStart = strings.HasSuffix(data, "\n")
	c.redraw()
}

// redraw draws the spinner on the current line, unless a partial log line is pending.
// It must be called with mu held.
func (c *Console) redraw() {
	if !c.spinning || !c.atLineStart {
		return
	}
	frame := c.spinner.Frames[c.frame%len(c.spinner.Frames)]
	c.write(c.styleSpinner.Render(frame) + " " + c.spinMsg)
	c.drawn = true
}

// ShowSpinner shows msg with a spinner until the returned function is called.
// A second call while a spinner is showing only replaces the message.
func (c *Console) ShowSpinner(msg string) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.interactive {
		if !c.atLineStart {
			c.write("\n")
			c.atLineStart = true
		}
		c.write(msg + "\n")
		return func() {}
	}

	c.spinMsg = msg
	if c.spinning {
		c.redraw()
		return func() {}
	}
	c.spinning = true
	c.frame = 0
	c.redraw()

	stop := make(chan struct{})
	done := make(chan struct{})
	go c.animate(stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			c.mu.Lock()
			defer c.mu.Unlock()
			c.write("")
			c.spinning = false
		})
	}
}

func (c *Console) animate(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	fps := c.spinner.FPS
	if fps <= 0 {
		fps = time.Second / 10
	}
	ticker := time.NewTicker(fps)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.frame++
			c.redraw()
			c.mu.Unlock()
		}
	}
}
