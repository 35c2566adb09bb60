package app

import (
	"bytes"
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/guseggert/liveserve/remote"
)

// chunkLimit keeps records under the size the server truncates at.
const chunkLimit = 16 * 1024

type logWriter struct {
	log     *zap.SugaredLogger
	stream  string
	timeout time.Duration
	send    func(ctx context.Context, recs []remote.LogRecord) error

	mu sync.Mutex
	// buf only ever holds an incomplete line shorter than chunkLimit between writes
	buf    []byte
	closed bool
}

// Write ships every complete line. If shipping fails nothing from b is kept, so the caller can retry it.
func (w *logWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	prev := len(w.buf)
	w.buf = append(w.buf, b...)

	cut := bytes.LastIndexByte(w.buf, '\n') + 1
	// an overlong partial line is sent without waiting for its end
	if len(w.buf)-cut >= chunkLimit {
		cut += completeRunes(w.buf[cut:])
	}
	if cut == 0 {
		return len(b), nil
	}

	if err := w.flush(w.records(w.buf[:cut])); err != nil {
		w.buf = w.buf[:prev]
		return 0, err
	}
	w.buf = append(w.buf[:0], w.buf[cut:]...)
	return len(b), nil
}

// records splits b into one record per line, and lines into records no larger than chunkLimit.
func (w *logWriter) records(b []byte) []remote.LogRecord {
	var recs []remote.LogRecord
	for len(b) > 0 {
		n := len(b)
		if i := bytes.IndexByte(b, '\n'); i >= 0 {
			n = i + 1
		}
		if n > chunkLimit {
			n = remote.CutPoint(b, chunkLimit)
		}
		recs = append(recs, remote.LogRecord{Stream: w.stream, Data: string(b[:n])})
		b = b[n:]
	}
	return recs
}

// completeRunes returns the length of b without a trailing rune that is still missing bytes.
func completeRunes(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

func (w *logWriter) flush(recs []remote.LogRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	w.log.Debugf("shipping %d log records", len(recs))
	return w.send(ctx, recs)
}

func (w *logWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if len(w.buf) == 0 {
		return nil
	}
	recs := w.records(w.buf)
	w.buf = nil
	err := w.flush(recs)
	w.log.Debugw("closed writer", "Error", err)
	return err
}
