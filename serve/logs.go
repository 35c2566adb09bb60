package serve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/guseggert/liveserve/remote"
)

// logLoop forwards the session's logs to the output until ctx is done.
// Interrupted streams are reopened after the last record seen, so nothing is printed twice.
func (s *Supervisor) logLoop(ctx context.Context, sessionID string) error {
	log := s.log.Named("logstream").With("SessionID", sessionID)
	var after uint64
	for {
		err := s.streamLogs(ctx, log, sessionID, &after)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, remote.ErrSessionNotFound) {
			log.Infow("remote session ended", "LastSeq", after)
			return fmt.Errorf("streaming logs for %s: %w", sessionID, ErrSessionGone)
		}
		log.Warnw("log stream interrupted, reconnecting", "LastSeq", after, "RetryIn", s.logRetryInterval, "Error", err)

		t := time.NewTimer(s.logRetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (s *Supervisor) streamLogs(ctx context.Context, log *zap.SugaredLogger, sessionID string, after *uint64) error {
	stream, err := s.remote.PullLogs(ctx, sessionID, *after)
	if err != nil {
		return err
	}
	defer stream.Close()
	log.Debugw("log stream opened", "After", *after)

	for {
		recs, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		forwarded := 0
		for _, rec := range recs {
			if rec.Seq != 0 && rec.Seq <= *after {
				continue
			}
			s.output.PrintLog(rec)
			forwarded++
			if rec.Seq != 0 {
				*after = rec.Seq
			}
		}
		s.metrics.LogRecordsForwarded(forwarded)
	}
}
