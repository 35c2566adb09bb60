package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client talks to a session Server.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	wsClient                 *http.Client
	tlsClientConfig          *tls.Config
	caCertPEM                []byte
	certPEM                  []byte
	keyPEM                   []byte
	customizeRetryableClient func(*retryablehttp.Client)

	requestTimeout time.Duration
	waitInterval   time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

// WithRequestTimeout bounds every non-streaming request, including retries.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

func WithClientLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("session_client")
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

// WithClientCerts authenticates to the server with mTLS.
func WithClientCerts(caCertPEM, certPEM, keyPEM []byte) ClientOption {
	return func(c *Client) {
		c.caCertPEM = caCertPEM
		c.certPEM = certPEM
		c.keyPEM = keyPEM
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	c := &Client{
		Logger:         zap.NewNop().Sugar(),
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		requestTimeout: 5 * time.Second,
		waitInterval:   100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.certPEM != nil {
		c.tlsClientConfig, err = ClientTLSConfig(c.caCertPEM, c.certPEM, c.keyPEM)
		if err != nil {
			return nil, fmt.Errorf("building client TLS config: %w", err)
		}
	}

	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: c.tlsClientConfig,
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: transport}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 50 * time.Millisecond
	}
	retryClient.RetryMax = 5
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	// WebSocket handshakes need the raw connection, so they skip the retrying round tripper.
	c.wsClient = &http.Client{Transport: transport}

	return c, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrSessionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		var body string
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			body = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			body = strings.TrimSpace(string(b))
		}
		return fmt.Errorf("non-200 HTTP status code %d: %s", resp.StatusCode, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// CreateOrResumeSession attaches to existingID, or creates a new session if it is empty.
// It returns the effective session ID.
func (c *Client) CreateOrResumeSession(ctx context.Context, existingID, environment string) (string, error) {
	var resp createSessionResponse
	err := c.do(ctx, http.MethodPost, "/sessions", createSessionRequest{ExistingID: existingID, Environment: environment}, &resp)
	if err != nil {
		if existingID != "" {
			return "", fmt.Errorf("resuming session %s: %w", existingID, err)
		}
		return "", fmt.Errorf("creating session: %w", err)
	}
	c.Logger.Debugw("attached to session", "SessionID", resp.ID, "Resumed", resp.Resumed)
	return resp.ID, nil
}

func (c *Client) SendHeartbeat(ctx context.Context, sessionID string) error {
	var resp heartbeatResponse
	err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/heartbeat", nil, &resp)
	if err != nil {
		return fmt.Errorf("sending heartbeat for %s: %w", sessionID, err)
	}
	return nil
}

func (c *Client) AppendLogs(ctx context.Context, sessionID string, records []LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/logs", appendLogsRequest{Records: records}, nil)
	if err != nil {
		return fmt.Errorf("appending logs to %s: %w", sessionID, err)
	}
	return nil
}

// LogStream yields batches of log records in the order the server received them.
type LogStream interface {
	// Next blocks until the next batch arrives. It returns io.EOF once the session has ended.
	Next(ctx context.Context) ([]LogRecord, error)
	Close() error
}

// PullLogs opens a log stream for the session, starting after the record with sequence number after.
func (c *Client) PullLogs(ctx context.Context, sessionID string, after uint64) (LogStream, error) {
	u := c.baseURL + "/sessions/" + url.PathEscape(sessionID) + "/logs?after=" + strconv.FormatUint(after, 10)

	c.Logger.Debugw("dialing WebSocket for logs", "URL", u)
	wsConn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.wsClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("establishing WebSocket conn for logs: %w", err)
	}
	wsConn.SetReadLimit(readLimit)
	return &wsLogStream{conn: wsConn, log: c.Logger.Named("log_stream")}, nil
}

type wsLogStream struct {
	conn *websocket.Conn
	log  *zap.SugaredLogger
}

func (s *wsLogStream) Next(ctx context.Context) ([]LogRecord, error) {
	var msg logBatchMessage
	err := wsjson.Read(ctx, s.conn, &msg)
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("reading log batch: %w", err)
	}
	s.log.Debugf("got batch of %d log records", len(msg.Records))
	return msg.Records, nil
}

func (s *wsLogStream) Close() error {
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	if err != nil {
		// the server may already have closed the stream
		s.log.Debugf("error closing log stream: %s", err)
	}
	return nil
}

// WaitForServer polls the server until it responds or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}
