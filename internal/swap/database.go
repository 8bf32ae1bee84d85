package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-swap/internal/types"
)

// PersistenceError wraps a failed read or write of the order store.
type PersistenceError struct {
	Op      string
	OrderID string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s order %s: %v", e.Op, e.OrderID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Database is the gorm-backed order store. Every write tolerates being repeated.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// DB exposes the underlying handle for callers joining a transaction.
func (d *Database) DB() *gorm.DB {
	return d.db
}

// InsertOrder creates the initial record. Inserting an order id that already exists
// is a no-op.
func (d *Database) InsertOrder(ctx context.Context, order *types.Order) error {
	return d.insertOrder(d.db.WithContext(ctx), order)
}

func (d *Database) insertOrder(tx *gorm.DB, order *types.Order) error {
	if order.Status == "" {
		order.Status = types.StatusPending
	}
	err := tx.Create(order).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	if err != nil {
		return &PersistenceError{Op: "insert", OrderID: order.OrderID, Err: err}
	}
	return nil
}

// CreateOrderWithIdempotency creates the order, its idempotency record and whatever
// enqueue adds, in one transaction. An expired record under the same key is replaced.
func (d *Database) CreateOrderWithIdempotency(ctx context.Context, order *types.Order, idempotencyKey string, enqueue func(tx *gorm.DB) error) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return &PersistenceError{Op: "insert", OrderID: order.OrderID, Err: err}
		}

		if idempotencyKey != "" {
			if err := tx.Unscoped().
				Where("idempotency_key = ? AND expires_at <= ?", idempotencyKey, time.Now().UTC()).
				Delete(&IdempotencyRecord{}).Error; err != nil {
				return fmt.Errorf("purge expired idempotency record: %w", err)
			}

			record := IdempotencyRecord{
				IdempotencyKey: idempotencyKey,
				ResourceID:     order.OrderID,
				ResourceType:   "swap_order",
				ExpiresAt:      time.Now().UTC().Add(24 * time.Hour),
			}
			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("create idempotency record: %w", err)
			}
		}

		return enqueue(tx)
	})
}

// GetIdempotencyRecord returns the live record for key, or nil when none exists.
func (d *Database) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	err := d.db.WithContext(ctx).
		Where("idempotency_key = ? AND expires_at > ?", key, time.Now().UTC()).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch idempotency record: %w", err)
	}
	return &record, nil
}

// GetOrder returns the order or an error wrapping gorm.ErrRecordNotFound.
func (d *Database) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		return nil, &PersistenceError{Op: "fetch", OrderID: orderID, Err: err}
	}
	return &order, nil
}

func (d *Database) GetOrderByOrderIDAndClientID(ctx context.Context, orderID, clientID string) (*types.Order, error) {
	var order types.Order
	err := d.db.WithContext(ctx).
		Where("order_id = ? AND client_id = ?", orderID, clientID).
		First(&order).Error
	if err != nil {
		return nil, &PersistenceError{Op: "fetch", OrderID: orderID, Err: err}
	}
	return &order, nil
}

// UpdateOrderStatus moves the order to status together with the fields in upd. The
// write only applies while the stored status is one of status's predecessors, so a
// stale or duplicated call is a no-op. It reports whether the row changed.
func (d *Database) UpdateOrderStatus(ctx context.Context, orderID string, status types.Status, upd Update) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("unknown status %q", status)
	}

	preds := status.Predecessors()
	from := make([]string, len(preds))
	for i, p := range preds {
		from[i] = string(p)
	}

	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if upd.AttemptsDelta != 0 {
		updates["attempts"] = gorm.Expr("attempts + ?", upd.AttemptsDelta)
	}
	if upd.Error != nil {
		updates["error"] = *upd.Error
	} else if upd.ClearError {
		updates["error"] = nil
	}
	if upd.TxHash != nil {
		updates["tx_hash"] = *upd.TxHash
	}
	if upd.ExecutedOut != nil {
		updates["executed_out"] = *upd.ExecutedOut
	}

	result := d.db.WithContext(ctx).Model(&types.Order{}).
		Where("order_id = ? AND status IN ?", orderID, from).
		Updates(updates)
	if result.Error != nil {
		return false, &PersistenceError{Op: "update status of", OrderID: orderID, Err: result.Error}
	}
	return result.RowsAffected == 1, nil
}

// SetRoutingInfo merges info into the stored routing info key by key.
func (d *Database) SetRoutingInfo(ctx context.Context, orderID string, info types.RoutingInfo) error {
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order types.Order
		if err := tx.Select("id", "routing_info").Where("order_id = ?", orderID).First(&order).Error; err != nil {
			return err
		}

		merged := make(types.RoutingInfo, len(order.RoutingInfo)+len(info))
		for k, v := range order.RoutingInfo {
			merged[k] = v
		}
		for k, v := range info {
			merged[k] = v
		}

		// struct form so the json serializer applies
		order.RoutingInfo = merged
		return tx.Model(&order).Select("routing_info", "updated_at").Updates(&order).Error
	})
	if err != nil {
		return &PersistenceError{Op: "set routing info of", OrderID: orderID, Err: err}
	}
	return nil
}
