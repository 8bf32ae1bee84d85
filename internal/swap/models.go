package swap

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-swap/internal/types"
)

// IdempotencyRecord maps a client's Idempotency-Key to the order it created.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex;size:255" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (IdempotencyRecord) TableName() string {
	return "swap_idempotency_records"
}

// Update carries the optional fields written alongside a status change. Nil fields
// are left untouched.
type Update struct {
	AttemptsDelta int
	Error         *string
	ClearError    bool
	TxHash        *string
	ExecutedOut   *decimal.Decimal
}

// OrderView is the client-facing rendition of an order.
type OrderView struct {
	OrderID     string            `json:"orderId"`
	TokenIn     string            `json:"tokenIn"`
	TokenOut    string            `json:"tokenOut"`
	AmountIn    string            `json:"amountIn"`
	SlippageBps int               `json:"slippageBps"`
	Status      types.Status      `json:"status"`
	Attempts    int               `json:"attempts"`
	Error       string            `json:"error,omitempty"`
	TxHash      string            `json:"txHash,omitempty"`
	ExecutedOut string            `json:"executedOut,omitempty"`
	RoutingInfo types.RoutingInfo `json:"routingInfo,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// NewOrderView renders order for clients.
func NewOrderView(order *types.Order) OrderView {
	v := OrderView{
		OrderID:     order.OrderID,
		TokenIn:     order.TokenIn,
		TokenOut:    order.TokenOut,
		AmountIn:    order.AmountIn.String(),
		SlippageBps: order.SlippageBps,
		Status:      order.Status,
		Attempts:    order.Attempts,
		RoutingInfo: order.RoutingInfo,
		CreatedAt:   order.CreatedAt,
		UpdatedAt:   order.UpdatedAt,
	}
	if order.Error != nil {
		v.Error = *order.Error
	}
	if order.TxHash != nil {
		v.TxHash = *order.TxHash
	}
	if order.ExecutedOut.Valid {
		v.ExecutedOut = order.ExecutedOut.Decimal.String()
	}
	return v
}
