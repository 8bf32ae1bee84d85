package queue

import (
	"context"
	"fmt"
	"time"
)

func (q *Queue) runJanitor(ctx context.Context) {
	logger := q.logger.With().Str("task", "janitor").Logger()
	logger.Info().Dur("interval", q.janitorInterval).Msg("Starting stale claim janitor")

	ticker := time.NewTicker(q.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down stale claim janitor")
			return
		case <-ticker.C:
			if _, err := q.ReclaimStale(ctx); err != nil {
				logger.Error().Err(err).Msg("Failed to reclaim stale jobs")
			}
		}
	}
}

// ReclaimStale returns jobs whose claim is older than the visibility timeout to the
// queue, or to dead when they have no attempts left. It returns how many jobs it
// moved.
func (q *Queue) ReclaimStale(ctx context.Context) (int64, error) {
	now := q.now()
	cutoff := now.Add(-q.visibilityTimeout)

	requeued := q.db.WithContext(ctx).Model(&Job{}).
		Where("state = ? AND locked_at < ? AND attempt < max_attempts", StateActive, cutoff).
		Updates(map[string]interface{}{
			"state":      StateQueued,
			"run_at":     now,
			"locked_at":  nil,
			"lock_token": "",
			"last_error": "claim expired",
			"updated_at": now,
		})
	if requeued.Error != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", requeued.Error)
	}

	buried := q.db.WithContext(ctx).Model(&Job{}).
		Where("state = ? AND locked_at < ? AND attempt >= max_attempts", StateActive, cutoff).
		Updates(map[string]interface{}{
			"state":      StateDead,
			"locked_at":  nil,
			"lock_token": "",
			"last_error": "claim expired on final attempt",
			"updated_at": now,
		})
	if buried.Error != nil {
		return requeued.RowsAffected, fmt.Errorf("bury stale jobs: %w", buried.Error)
	}

	n := requeued.RowsAffected + buried.RowsAffected
	if n > 0 {
		q.metrics.JobsReclaimedAdd(int(n))
		q.logger.Warn().
			Int64("requeued", requeued.RowsAffected).
			Int64("dead", buried.RowsAffected).
			Msg("Reclaimed stale job claims")
	}
	return n, nil
}
