package serve

import (
	"runtime"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultEnvironment       = "main"
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatTimeout  = 5 * time.Second
	DefaultLogRetryInterval  = 1 * time.Second
	DefaultReadyTimeout      = 5 * time.Second
	DefaultTerminateTimeout  = 5 * time.Second
)

type Option func(s *Supervisor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor")
	}
}

func WithEnvironment(env string) Option {
	return func(s *Supervisor) {
		s.environment = env
	}
}

func WithReadyTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.readyTimeout = d
	}
}

func WithTerminateTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.terminateTimeout = d
	}
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.heartbeatInterval = d
	}
}

// WithHeartbeatTimeout bounds each individual heartbeat call.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.heartbeatTimeout = d
	}
}

// WithMaxHeartbeatFailures ends the serve session after n consecutive failed heartbeats.
// Zero, the default, never gives up.
func WithMaxHeartbeatFailures(n int) Option {
	return func(s *Supervisor) {
		s.maxHeartbeatFailures = n
	}
}

func WithLogRetryInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.logRetryInterval = d
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithGOOS overrides the platform used to decide whether live-reload is supported.
func WithGOOS(goos string) Option {
	return func(s *Supervisor) {
		s.goos = goos
	}
}

func liveReloadSupported(goos string) bool {
	return goos != "windows"
}

func defaultGOOS() string { return runtime.GOOS }
