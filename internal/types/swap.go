package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Status is the lifecycle state of a swap order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRouting   Status = "routing"
	StatusBuilding  Status = "building"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// predecessors lists, for every status, the statuses a write may start from.
// Repeating the current status is allowed so that redelivered jobs can replay a step.
// failed -> pending is the retry edge; failed is deliberately absent from its own list
// so a duplicated failure write cannot increment attempts twice.
var predecessors = map[Status][]Status{
	StatusPending:   {StatusPending, StatusFailed},
	StatusRouting:   {StatusPending, StatusRouting},
	StatusBuilding:  {StatusRouting, StatusBuilding},
	StatusSubmitted: {StatusBuilding, StatusSubmitted},
	StatusConfirmed: {StatusSubmitted, StatusConfirmed},
	StatusFailed:    {StatusPending, StatusRouting, StatusBuilding, StatusSubmitted},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := predecessors[s]
	return ok
}

// IsTerminal reports whether no further work is scheduled for an order in this status.
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Predecessors returns the statuses from which a transition into s is accepted.
func (s Status) Predecessors() []Status {
	return predecessors[s]
}

// CanTransition reports whether an order in status from may be moved to status to.
func CanTransition(from, to Status) bool {
	for _, p := range predecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

// RoutingInfo is the merged routing snapshot of an order: chosen venue, quote and
// whatever venue-specific detail was retained for audit.
type RoutingInfo map[string]any

// Order is the durable record of a swap intent.
type Order struct {
	gorm.Model  `json:"-"`
	OrderID     string              `gorm:"uniqueIndex;size:64" json:"order_id"`
	ClientID    string              `gorm:"index" json:"client_id"`
	TokenIn     string              `json:"token_in"`
	TokenOut    string              `json:"token_out"`
	AmountIn    decimal.Decimal     `gorm:"type:text;not null" json:"amount_in"` // base units
	SlippageBps int                 `json:"slippage_bps"`
	Status      Status              `gorm:"index;size:16" json:"status"`
	Attempts    int                 `json:"attempts"`
	Error       *string             `json:"error,omitempty"`
	TxHash      *string             `json:"tx_hash,omitempty"`
	ExecutedOut decimal.NullDecimal `gorm:"type:text" json:"executed_out"`
	RoutingInfo RoutingInfo         `gorm:"serializer:json;type:text" json:"routing_info,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// TableName keeps swap orders apart from any other order table sharing the database.
func (Order) TableName() string {
	return "swap_orders"
}

// SwapParams carries everything a worker needs to resume an order without re-reading
// intake state.
type SwapParams struct {
	OrderID     string          `json:"orderId"`
	ClientID    string          `json:"clientId,omitempty"`
	TokenIn     string          `json:"tokenIn"`
	TokenOut    string          `json:"tokenOut"`
	AmountIn    decimal.Decimal `json:"amountIn"`
	SlippageBps int             `json:"slippageBps"`
}

// SwapRequest is the admission payload.
type SwapRequest struct {
	TokenIn  string   `json:"tokenIn" binding:"required"`
	TokenOut string   `json:"tokenOut" binding:"required"`
	AmountIn string   `json:"amountIn" binding:"required"`
	Slippage *float64 `json:"slippage,omitempty"` // percent, 0.5 == 50 bps
	UserID   string   `json:"userId,omitempty"`
}

// AdmissionResponse is returned once an order has been persisted and queued.
type AdmissionResponse struct {
	OrderID      string `json:"orderId"`
	AuthToken    string `json:"authToken"`
	SubscribeURL string `json:"subscribeUrl"`
}

// LifecycleEvent is published to the watchers of one order on every status change.
type LifecycleEvent struct {
	OrderID     string         `json:"orderId"`
	Status      Status         `json:"status"`
	Timestamp   string         `json:"timestamp"`
	Meta        map[string]any `json:"meta,omitempty"`
	TxHash      string         `json:"txHash,omitempty"`
	ExecutedOut string         `json:"executedOut,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// EventTimeLayout is RFC3339 in UTC with millisecond precision.
const EventTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// NewLifecycleEvent stamps an event for orderID with the current UTC time.
func NewLifecycleEvent(orderID string, status Status) LifecycleEvent {
	return LifecycleEvent{
		OrderID:   orderID,
		Status:    status,
		Timestamp: time.Now().UTC().Format(EventTimeLayout),
	}
}

// OrderEvent rebuilds the event describing order's current state, stamped with the
// time of its last write. Meta is marked as a snapshot.
func OrderEvent(order *Order) LifecycleEvent {
	ev := LifecycleEvent{
		OrderID:   order.OrderID,
		Status:    order.Status,
		Timestamp: order.UpdatedAt.UTC().Format(EventTimeLayout),
		Meta:      map[string]any{"snapshot": true, "attempts": order.Attempts},
	}
	for _, key := range []string{"venue", "quoteSource", "expectedOut"} {
		if v, ok := order.RoutingInfo[key]; ok {
			ev.Meta[key] = v
		}
	}
	if order.TxHash != nil {
		ev.TxHash = *order.TxHash
	}
	if order.ExecutedOut.Valid {
		ev.ExecutedOut = order.ExecutedOut.Decimal.String()
	}
	if order.Error != nil {
		ev.Error = *order.Error
	}
	return ev
}
