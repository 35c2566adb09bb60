package remote

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	// maxBatch caps the number of records sent in one log stream message.
	maxBatch = 256
	// maxRecordLen caps the size of a single appended record.
	maxRecordLen = 16 * 1024
	readLimit    = 1 << 20
)

// Server keeps track of serve sessions and their logs.
// Sessions live in memory only and are reaped once their heartbeat goes stale.
type Server struct {
	logger *zap.SugaredLogger

	tlsPEM           *pemBundle
	heartbeatTimeout time.Duration
	reapInterval     time.Duration
	listenAddr       string
	reapHandler      func(id string)
	now              func() time.Time

	closeOnce sync.Once
	closed    chan struct{}

	mu         sync.Mutex
	httpServer *http.Server
	sessions   map[string]*session
}

type pemBundle struct {
	caCert, cert, key []byte
}

type session struct {
	id            string
	environment   string
	createdAt     time.Time
	lastHeartbeat time.Time
	records       []LogRecord

	// appended is closed and replaced every time records are appended
	appended chan struct{}
	ended    chan struct{}
}

// SessionInfo is a snapshot of a session's bookkeeping.
type SessionInfo struct {
	ID            string
	Environment   string
	CreatedAt     time.Time
	LastHeartbeat time.Time
	Records       int
}

type Option func(s *Server)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.heartbeatTimeout = d
	}
}

// WithReapInterval sets how often sessions are checked for stale heartbeats.
func WithReapInterval(d time.Duration) Option {
	return func(s *Server) {
		s.reapInterval = d
	}
}

// WithReapHandler registers a function called with the ID of every reaped session.
func WithReapHandler(f func(id string)) Option {
	return func(s *Server) {
		s.reapHandler = f
	}
}

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithTLS requires mTLS from clients, using the given PEM-encoded CA, cert, and key.
func WithTLS(caCertPEM, certPEM, keyPEM []byte) Option {
	return func(s *Server) {
		s.tlsPEM = &pemBundle{caCert: caCertPEM, cert: certPEM, key: keyPEM}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("sessiond").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

func withClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		logger:           zap.NewNop().Sugar(),
		heartbeatTimeout: 1 * time.Minute,
		reapInterval:     1 * time.Second,
		listenAddr:       "127.0.0.1:8080",
		now:              time.Now,
		closed:           make(chan struct{}),
		sessions:         map[string]*session{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the HTTP handler serving the session API.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/healthz", s.healthz)
	router.POST("/sessions", s.createSession)
	router.POST("/sessions/:id/heartbeat", s.heartbeat)
	router.POST("/sessions/:id/logs", s.appendLogs)
	router.GET("/sessions/:id/logs", s.streamLogs)
	return router
}

// Run serves the session API and reaps stale sessions until Stop is called.
func (s *Server) Run() error {
	var tlsConfig *tls.Config
	if s.tlsPEM != nil {
		cfg, err := ServerTLSConfig(s.tlsPEM.caCert, s.tlsPEM.cert, s.tlsPEM.key)
		if err != nil {
			return fmt.Errorf("building server TLS config: %w", err)
		}
		tlsConfig = cfg
	}

	tcpListener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	var listener net.Listener = tcpListener
	if tlsConfig != nil {
		listener = tls.NewListener(tcpListener, tlsConfig)
	}

	httpServer := &http.Server{Handler: s.Handler()}
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()
	go s.reapLoop()

	s.logger.Infow("serving sessions", "Addr", s.listenAddr, "TLS", tlsConfig != nil, "HeartbeatTimeout", s.heartbeatTimeout)
	err = httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		for _, sess := range s.sessions {
			close(sess.ended)
		}
		s.sessions = map[string]*session{}
		httpServer := s.httpServer
		s.mu.Unlock()
		if httpServer != nil {
			err = httpServer.Close()
		}
	})
	return err
}

// Session returns a snapshot of the session with the given ID.
func (s *Server) Session(id string) (SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return SessionInfo{
		ID:            sess.id,
		Environment:   sess.environment,
		CreatedAt:     sess.createdAt,
		LastHeartbeat: sess.lastHeartbeat,
		Records:       len(sess.records),
	}, true
}

// Append adds records to a session, assigning their sequence numbers.
func (s *Server) Append(id string, records ...LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	for _, rec := range records {
		rec.Data = rec.Data[:CutPoint(rec.Data, maxRecordLen)]
		if rec.Time.IsZero() {
			rec.Time = s.now()
		}
		if rec.Stream == "" {
			rec.Stream = StreamStdout
		}
		rec.Seq = uint64(len(sess.records)) + 1
		sess.records = append(sess.records, rec)
	}
	if len(records) > 0 {
		close(sess.appended)
		sess.appended = make(chan struct{})
	}
	return nil
}

func (s *Server) reapLoop() {
	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
		}
		s.reap()
	}
}

// reap ends every session whose last heartbeat is older than the heartbeat timeout.
func (s *Server) reap() []string {
	now := s.now()
	var reaped []string

	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.lastHeartbeat.Add(s.heartbeatTimeout).Before(now) {
			close(sess.ended)
			delete(s.sessions, id)
			reaped = append(reaped, id)
		}
	}
	s.mu.Unlock()

	for _, id := range reaped {
		s.logger.Infow("reaped session after missed heartbeats", "SessionID", id, "HeartbeatTimeout", s.heartbeatTimeout)
		if s.reapHandler != nil {
			s.reapHandler(id)
		}
	}
	return reaped
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := s.now()
	s.mu.Lock()
	var resp createSessionResponse
	if req.ExistingID != "" {
		sess, ok := s.sessions[req.ExistingID]
		if !ok {
			s.mu.Unlock()
			http.Error(w, ErrSessionNotFound.Error(), http.StatusNotFound)
			return
		}
		sess.lastHeartbeat = now
		resp = createSessionResponse{ID: sess.id, Resumed: true}
	} else {
		sess := &session{
			id:            "se-" + uuid.NewString(),
			environment:   req.Environment,
			createdAt:     now,
			lastHeartbeat: now,
			appended:      make(chan struct{}),
			ended:         make(chan struct{}),
		}
		s.sessions[sess.id] = sess
		resp = createSessionResponse{ID: sess.id}
	}
	s.mu.Unlock()

	s.logger.Debugw("session attached", "SessionID", resp.ID, "Resumed", resp.Resumed, "Environment", req.Environment)
	writeJSON(w, resp)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		http.Error(w, ErrSessionNotFound.Error(), http.StatusNotFound)
		return
	}
	lastHeartbeat := sess.lastHeartbeat
	sess.lastHeartbeat = s.now()
	s.mu.Unlock()

	writeJSON(w, heartbeatResponse{LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339)})
}

func (s *Server) appendLogs(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req appendLogsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err := s.Append(params.ByName("id"), req.Records...)
	if errors.Is(err, ErrSessionNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) lookup(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// pending returns up to maxBatch records after seq, plus the channel that is closed when more arrive.
func (s *Server) pending(sess *session, after uint64) ([]LogRecord, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := uint64(len(sess.records))
	if after >= n {
		return nil, sess.appended
	}
	end := after + maxBatch
	if end > n {
		end = n
	}
	return append([]LogRecord(nil), sess.records[after:end]...), sess.appended
}

// streamLogs pushes batches of log records to the client over a WebSocket until the session ends.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	var after uint64
	if a := r.URL.Query().Get("after"); a != "" {
		n, err := strconv.ParseUint(a, 10, 64)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid after: %s", err), http.StatusBadRequest)
			return
		}
		after = n
	}
	sess, ok := s.lookup(id)
	if !ok {
		http.Error(w, ErrSessionNotFound.Error(), http.StatusNotFound)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.logger.Debugf("log stream WebSocket accept error: %s", err)
		return
	}
	// the client never sends anything, so this only watches for it going away
	ctx := wsConn.CloseRead(r.Context())
	log := s.logger.With("SessionID", id)
	log.Debugw("log stream opened", "After", after)

	sessionEnded := false
	for {
		recs, appended := s.pending(sess, after)
		if len(recs) > 0 {
			if err := wsjson.Write(ctx, wsConn, logBatchMessage{Records: recs}); err != nil {
				log.Debugf("writing log batch: %s", err)
				return
			}
			after = recs[len(recs)-1].Seq
			continue
		}
		if sessionEnded {
			wsConn.Close(websocket.StatusNormalClosure, "session ended")
			return
		}
		select {
		case <-appended:
		case <-sess.ended:
			// flush whatever was appended before the session ended
			sessionEnded = true
		case <-s.closed:
			wsConn.Close(websocket.StatusGoingAway, "server stopping")
			return
		case <-ctx.Done():
			log.Debugf("log stream closed by client: %s", ctx.Err())
			return
		}
	}
}
