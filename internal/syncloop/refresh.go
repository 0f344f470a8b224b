package syncloop

import (
	"context"
	"time"

	"github.com/Rican7/retry"
	retrybackoff "github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
)

const refreshRetryStep = 200 * time.Millisecond

// Refresh asks the engine to recompute its issues. It returns immediately;
// the request runs in the background with a small retry budget and failures
// are only logged. The next poll observes the result.
func (s *IssueSync) Refresh(ctx context.Context) {
	s.refreshes.Add(1)
	go func() {
		defer s.refreshes.Done()
		_ = s.RefreshNow(ctx)
	}()
}

// RefreshNow is the blocking form of Refresh.
func (s *IssueSync) RefreshNow(ctx context.Context) error {
	s.mu.Lock()
	s.stats.Refreshes++
	s.mu.Unlock()

	err := retry.Retry(func(attempt uint) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, s.opts.RefreshTimeout)
		defer cancel()
		err := s.engine.Diff(callCtx)
		if err != nil {
			s.logger.Debug().Err(err).Uint("attempt", attempt).Msg("refresh_attempt_failed")
		}
		return err
	},
		strategy.Limit(uint(s.opts.RefreshAttempts)),
		strategy.Backoff(retrybackoff.Linear(refreshRetryStep)),
	)
	if err != nil {
		s.mu.Lock()
		s.stats.RefreshErrors++
		s.mu.Unlock()
		s.logger.Warn().Err(err).Int("attempts", s.opts.RefreshAttempts).Msg("refresh_failed")
		return err
	}
	s.logger.Info().Msg("refresh_requested")
	return nil
}
