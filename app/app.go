// Package app is used by applications launched by liveserve. Attach connects the
// application to its remote session and tells the supervisor it is ready.
// LogWriter ships output to the session so the supervisor can stream it.
package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/guseggert/liveserve/proc"
	"github.com/guseggert/liveserve/remote"
)

// Base64-encoded PEM material for mTLS to the session server, passed down by the supervisor.
const (
	EnvCACertPEM = "LIVESERVE_CA_CERT_PEM"
	EnvCertPEM   = "LIVESERVE_CERT_PEM"
	EnvKeyPEM    = "LIVESERVE_KEY_PEM"
)

// Session is the remote session an application is attached to.
type Session struct {
	ID          string
	Environment string

	log          *zap.SugaredLogger
	client       *remote.Client
	writeTimeout time.Duration
}

type config struct {
	log          *zap.SugaredLogger
	client       *remote.Client
	attachment   *proc.Attachment
	clientOpts   []remote.ClientOption
	writeTimeout time.Duration
}

type Option func(c *config)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *config) {
		c.log = l.Named("app")
	}
}

// WithClient uses the given client instead of one built from the environment.
func WithClient(client *remote.Client) Option {
	return func(c *config) {
		c.client = client
	}
}

// WithAttachment overrides what is read from the environment.
func WithAttachment(a proc.Attachment) Option {
	return func(c *config) {
		c.attachment = &a
	}
}

func WithClientOptions(opts ...remote.ClientOption) Option {
	return func(c *config) {
		c.clientOpts = append(c.clientOpts, opts...)
	}
}

// WithWriteTimeout bounds each log shipment.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) {
		c.writeTimeout = d
	}
}

// Attach creates or resumes the session named in the environment and reports readiness to the supervisor.
// When not launched by a supervisor it still attaches, as long as a remote URL is known.
func Attach(ctx context.Context, opts ...Option) (*Session, error) {
	cfg := &config{
		log:          zap.NewNop().Sugar(),
		writeTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(cfg)
	}

	att := proc.AttachmentFromEnv()
	if cfg.attachment != nil {
		att = *cfg.attachment
	}

	client := cfg.client
	if client == nil {
		if att.RemoteURL == "" {
			return nil, fmt.Errorf("no remote URL in %s: %w", proc.EnvRemoteURL, proc.ErrNotSupervised)
		}
		clientOpts := []remote.ClientOption{remote.WithClientLogger(cfg.log)}
		certOpt, err := certsFromEnv()
		if err != nil {
			return nil, err
		}
		if certOpt != nil {
			clientOpts = append(clientOpts, certOpt)
		}
		client, err = remote.NewClient(att.RemoteURL, append(clientOpts, cfg.clientOpts...)...)
		if err != nil {
			return nil, fmt.Errorf("building session client: %w", err)
		}
	}

	id, err := client.CreateOrResumeSession(ctx, att.SessionID, att.Environment)
	if err != nil {
		return nil, err
	}

	err = proc.ReportReady(id)
	switch {
	case errors.Is(err, proc.ErrNotSupervised):
		cfg.log.Infow("not running under a supervisor, skipping readiness", "SessionID", id)
	case err != nil:
		return nil, fmt.Errorf("reporting readiness: %w", err)
	default:
		cfg.log.Debugw("reported readiness", "SessionID", id)
	}

	return &Session{
		ID:           id,
		Environment:  att.Environment,
		log:          cfg.log,
		client:       client,
		writeTimeout: cfg.writeTimeout,
	}, nil
}

func (s *Session) Client() *remote.Client { return s.client }

// LogWriter returns a writer that ships everything written to it as log records on the given stream.
// Output is sent line by line; a trailing partial line is sent on Close.
func (s *Session) LogWriter(stream string) io.WriteCloser {
	return &logWriter{
		log:     s.log.Named(stream + "_writer"),
		stream:  stream,
		timeout: s.writeTimeout,
		send: func(ctx context.Context, recs []remote.LogRecord) error {
			return s.client.AppendLogs(ctx, s.ID, recs)
		},
	}
}

// Logf ships a single system record, for messages about the application rather than from it.
func (s *Session) Logf(format string, args ...any) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	return s.client.AppendLogs(ctx, s.ID, []remote.LogRecord{{
		Stream: remote.StreamSystem,
		Data:   fmt.Sprintf(format, args...) + "\n",
	}})
}

func certsFromEnv() (remote.ClientOption, error) {
	if os.Getenv(EnvCertPEM) == "" {
		return nil, nil
	}
	var pems [3][]byte
	for i, name := range []string{EnvCACertPEM, EnvCertPEM, EnvKeyPEM} {
		b, err := base64.StdEncoding.DecodeString(os.Getenv(name))
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", name, err)
		}
		pems[i] = b
	}
	return remote.WithClientCerts(pems[0], pems[1], pems[2]), nil
}
