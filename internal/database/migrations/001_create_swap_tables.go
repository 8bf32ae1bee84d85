package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/klear-swap/internal/queue"
	"github.com/ksred/klear-swap/internal/swap"
	"github.com/ksred/klear-swap/internal/types"
)

// CreateSwapTables creates the order, idempotency and job tables.
func CreateSwapTables(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Order{},
		&swap.IdempotencyRecord{},
		&queue.Job{},
	)
}
