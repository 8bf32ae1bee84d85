package migrations

import (
	"gorm.io/gorm"
)

// AddSwapIndexes adds the indexes the worker and janitor queries rely on.
// Both sqlite and postgres accept this syntax.
func AddSwapIndexes(db *gorm.DB) error {
	indexes := []string{
		// janitor scan for stale claims
		`CREATE INDEX IF NOT EXISTS idx_swap_jobs_active_locked
		 ON swap_jobs(state, locked_at)`,

		// owner lookups on the status endpoint
		`CREATE INDEX IF NOT EXISTS idx_swap_orders_client_created
		 ON swap_orders(client_id, created_at)`,

		// expired idempotency record purge
		`CREATE INDEX IF NOT EXISTS idx_swap_idempotency_expires
		 ON swap_idempotency_records(expires_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}
