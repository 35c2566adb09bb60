package app

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/guseggert/liveserve/proc"
	"github.com/guseggert/liveserve/remote"
)

func newServer(t *testing.T) (*remote.Server, string) {
	t.Helper()
	// never launched by a supervisor here
	t.Setenv(proc.EnvReadyFD, "")

	srv := remote.NewServer()
	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		httpServer.Close()
	})
	return srv, httpServer.URL
}

func testLogger(t *testing.T) *zap.SugaredLogger {
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	return l.Sugar()
}

func TestAttachFromEnv(t *testing.T) {
	srv, url := newServer(t)
	t.Setenv(proc.EnvRemoteURL, url)
	t.Setenv(proc.EnvEnvironment, "dev")
	t.Setenv(proc.EnvSessionID, "")

	sess, err := Attach(context.Background(), WithLogger(testLogger(t)))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sess.ID, "se-"))
	assert.Equal(t, "dev", sess.Environment)

	info, ok := srv.Session(sess.ID)
	require.True(t, ok)
	assert.Equal(t, "dev", info.Environment)
}

func TestAttachResumesSession(t *testing.T) {
	_, url := newServer(t)
	client, err := remote.NewClient(url)
	require.NoError(t, err)
	id, err := client.CreateOrResumeSession(context.Background(), "", "main")
	require.NoError(t, err)

	sess, err := Attach(context.Background(),
		WithClient(client),
		WithAttachment(proc.Attachment{SessionID: id, Environment: "main"}),
	)
	require.NoError(t, err)
	assert.Equal(t, id, sess.ID)

	_, err = Attach(context.Background(),
		WithClient(client),
		WithAttachment(proc.Attachment{SessionID: "se-gone", Environment: "main"}),
	)
	require.ErrorIs(t, err, remote.ErrSessionNotFound)
}

func TestAttachRequiresRemote(t *testing.T) {
	_, err := Attach(context.Background(), WithAttachment(proc.Attachment{}))
	require.ErrorIs(t, err, proc.ErrNotSupervised)
}

func TestLogWriter(t *testing.T) {
	_, url := newServer(t)
	sess, err := Attach(context.Background(), WithAttachment(proc.Attachment{RemoteURL: url, Environment: "main"}))
	require.NoError(t, err)

	w := sess.LogWriter(remote.StreamStderr)
	for _, s := range []string{"hello\nwor", "ld\n", "partial"} {
		n, err := w.Write([]byte(s))
		require.NoError(t, err)
		assert.Equal(t, len(s), n)
	}
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.NoError(t, sess.Logf("restarted after %d changes", 2))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := sess.Client().PullLogs(ctx, sess.ID, 0)
	require.NoError(t, err)
	defer stream.Close()

	var got []remote.LogRecord
	for len(got) < 4 {
		recs, err := stream.Next(ctx)
		require.NoError(t, err)
		got = append(got, recs...)
	}
	require.Len(t, got, 4)
	assert.Equal(t, "hello\n", got[0].Data)
	assert.Equal(t, "world\n", got[1].Data)
	assert.Equal(t, "partial", got[2].Data)
	for _, r := range got[:3] {
		assert.Equal(t, remote.StreamStderr, r.Stream)
	}
	assert.Equal(t, remote.LogRecord{Seq: 4, Time: got[3].Time, Stream: remote.StreamSystem, Data: "restarted after 2 changes\n"}, got[3])
}

func TestLogWriterChunksLongLines(t *testing.T) {
	var (
		mu   sync.Mutex
		sent []remote.LogRecord
	)
	w := &logWriter{
		log:     zap.NewNop().Sugar(),
		stream:  remote.StreamStdout,
		timeout: time.Second,
		send: func(ctx context.Context, recs []remote.LogRecord) error {
			mu.Lock()
			defer mu.Unlock()
			sent = append(sent, recs...)
			return nil
		},
	}

	long := strings.Repeat("x", 2*chunkLimit+10) + "\n"
	_, err := w.Write([]byte(long))
	require.NoError(t, err)

	// a partial line is held until it reaches the chunk limit
	_, err = w.Write([]byte(strings.Repeat("y", chunkLimit-1)))
	require.NoError(t, err)
	assert.Len(t, sent, 3)
	_, err = w.Write([]byte("y"))
	require.NoError(t, err)

	require.Len(t, sent, 4)
	assert.Len(t, sent[0].Data, chunkLimit)
	assert.Len(t, sent[1].Data, chunkLimit)
	assert.Equal(t, strings.Repeat("x", 10)+"\n", sent[2].Data)
	assert.Equal(t, strings.Repeat("y", chunkLimit), sent[3].Data)
}

// recordingSender collects shipped records and fails while failing is set.
type recordingSender struct {
	mu      sync.Mutex
	failing bool
	sent    []remote.LogRecord
}

func (r *recordingSender) send(ctx context.Context, recs []remote.LogRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return errors.New("session server unreachable")
	}
	r.sent = append(r.sent, recs...)
	return nil
}

func (r *recordingSender) setFailing(f bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing = f
}

func (r *recordingSender) data() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, rec := range r.sent {
		out = append(out, rec.Data)
	}
	return out
}

func newTestWriter(s *recordingSender) *logWriter {
	return &logWriter{
		log:     zap.NewNop().Sugar(),
		stream:  remote.StreamStdout,
		timeout: time.Second,
		send:    s.send,
	}
}

func TestLogWriterKeepsOutputOnFailedSend(t *testing.T) {
	s := &recordingSender{}
	w := newTestWriter(s)

	_, err := w.Write([]byte("fir"))
	require.NoError(t, err)

	s.setFailing(true)
	n, err := w.Write([]byte("st\nsec"))
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Empty(t, s.data())

	// the caller retries what was not written
	s.setFailing(false)
	n, err = w.Write([]byte("st\nsec"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	require.NoError(t, w.Close())

	assert.Equal(t, []string{"first\n", "sec"}, s.data())
}

func TestLogWriterSplitsOnRuneBoundaries(t *testing.T) {
	s := &recordingSender{}
	w := newTestWriter(s)

	// an odd prefix puts every chunk boundary in the middle of a two-byte rune
	line := "x" + strings.Repeat("é", chunkLimit) + "\n"
	_, err := w.Write([]byte(line))
	require.NoError(t, err)

	// an overlong partial line that reaches the limit halfway through a rune
	partial := "x" + strings.Repeat("é", chunkLimit/2)
	_, err = w.Write([]byte(partial[:chunkLimit]))
	require.NoError(t, err)
	_, err = w.Write([]byte(partial[chunkLimit:]))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got := s.data()
	require.Greater(t, len(got), 2)
	for _, d := range got {
		assert.True(t, utf8.ValidString(d))
		assert.LessOrEqual(t, len(d), chunkLimit)
	}
	assert.Equal(t, line+partial, strings.Join(got, ""))
}
