package serve

import (
	"context"
	"fmt"
	"time"
)

// heartbeatLoop keeps the remote session alive until ctx is done.
// A failed heartbeat is retried on the next tick. It only gives up after maxHeartbeatFailures consecutive failures.
func (s *Supervisor) heartbeatLoop(ctx context.Context, sessionID string) error {
	log := s.log.Named("heartbeat").With("SessionID", sessionID)
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		hctx, cancel := context.WithTimeout(ctx, s.heartbeatTimeout)
		err := s.remote.SendHeartbeat(hctx, sessionID)
		cancel()

		switch {
		case ctx.Err() != nil:
			return nil
		case err == nil:
			if failures > 0 {
				log.Infow("heartbeat recovered", "PreviousFailures", failures)
			}
			failures = 0
		default:
			failures++
			s.metrics.HeartbeatFailed()
			log.Warnw("heartbeat failed", "ConsecutiveFailures", failures, "Error", err)
			if s.maxHeartbeatFailures > 0 && failures >= s.maxHeartbeatFailures {
				return fmt.Errorf("%w: %d consecutive failures, last: %w", ErrHeartbeatLost, failures, err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
