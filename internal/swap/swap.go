package swap

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-swap/internal/auth"
	"github.com/ksred/klear-swap/internal/queue"
	"github.com/ksred/klear-swap/internal/types"
	"github.com/ksred/klear-swap/internal/venue"
	"github.com/ksred/klear-swap/pkg/response"
)

const (
	DefaultSlippageBps = 50
	MaxSlippageBps     = 5000
)

// Enqueuer schedules the job for a new order inside the intake transaction.
type Enqueuer interface {
	EnqueueTx(ctx context.Context, tx *gorm.DB, orderID string, payload any) (*queue.Job, error)
}

// TokenIssuer signs per-order subscribe tokens.
type TokenIssuer interface {
	IssueSubscribeToken(orderID, clientID string) (string, error)
}

// Service admits swap orders
type Service struct {
	db          *Database
	queue       Enqueuer
	tokens      TokenIssuer
	subscribeTo string
	logger      zerolog.Logger
}

// NewService creates the intake service. publicWSURL is the gateway address handed
// to clients in subscribeUrl.
func NewService(gormDB *gorm.DB, q Enqueuer, tokens TokenIssuer, publicWSURL string) *Service {
	return &Service{
		db:          NewDatabase(gormDB),
		queue:       q,
		tokens:      tokens,
		subscribeTo: publicWSURL,
		logger:      log.With().Str("component", "intake").Logger(),
	}
}

// Store returns the order store the service writes to.
func (s *Service) Store() *Database {
	return s.db
}

// ValidateRequest turns an admission request into swap parameters. It never touches
// persistence; OrderID and ClientID are left for the caller.
func ValidateRequest(req types.SwapRequest) (types.SwapParams, error) {
	var params types.SwapParams

	tokenIn := strings.TrimSpace(req.TokenIn)
	tokenOut := strings.TrimSpace(req.TokenOut)
	if err := venue.ValidateAddress(tokenIn); err != nil {
		return params, types.NewValidationError("tokenIn", "%v", err)
	}
	if err := venue.ValidateAddress(tokenOut); err != nil {
		return params, types.NewValidationError("tokenOut", "%v", err)
	}
	if tokenIn == tokenOut {
		return params, types.NewValidationError("tokenOut", "must differ from tokenIn")
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.AmountIn))
	if err != nil {
		return params, types.NewValidationError("amountIn", "must be an integer string of base units")
	}
	if !amount.IsInteger() || strings.ContainsAny(req.AmountIn, ".eE") {
		return params, types.NewValidationError("amountIn", "must be a whole number of base units")
	}
	if !amount.IsPositive() {
		return params, types.NewValidationError("amountIn", "must be positive")
	}

	slippageBps := DefaultSlippageBps
	if req.Slippage != nil {
		pct := decimal.NewFromFloat(*req.Slippage)
		if !pct.IsPositive() || pct.GreaterThan(decimal.NewFromInt(50)) {
			return params, types.NewValidationError("slippage", "must be a percentage in (0, 50]")
		}
		bps := pct.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
		if bps < 1 {
			return params, types.NewValidationError("slippage", "must be at least 0.01 percent")
		}
		slippageBps = int(bps)
	}

	params = types.SwapParams{
		TokenIn:     tokenIn,
		TokenOut:    tokenOut,
		AmountIn:    amount,
		SlippageBps: slippageBps,
	}
	return params, nil
}

// SubmitOrder validates, persists and enqueues a swap, then issues the token that
// unlocks its event stream. Replaying an idempotency key returns the original order.
// Parameters:
//   - req: the admission payload
//   - clientID: owner taken from the API token
//   - idempotencyKey: optional; scoped to clientID
func (s *Service) SubmitOrder(ctx context.Context, req types.SwapRequest, clientID, idempotencyKey string) (*types.AdmissionResponse, error) {
	params, err := ValidateRequest(req)
	if err != nil {
		return nil, err
	}
	if clientID == "" {
		clientID = strings.TrimSpace(req.UserID)
	}

	scopedKey := ""
	if idempotencyKey != "" {
		scopedKey = clientID + ":" + idempotencyKey
		if resp, err := s.replay(ctx, scopedKey, clientID); resp != nil || err != nil {
			return resp, err
		}
	}

	params.OrderID = uuid.New().String()
	params.ClientID = clientID
	order := &types.Order{
		OrderID:     params.OrderID,
		ClientID:    clientID,
		TokenIn:     params.TokenIn,
		TokenOut:    params.TokenOut,
		AmountIn:    params.AmountIn,
		SlippageBps: params.SlippageBps,
		Status:      types.StatusPending,
	}

	logger := s.logger.With().Str("order_id", order.OrderID).Str("client_id", clientID).Logger()

	err = s.db.CreateOrderWithIdempotency(ctx, order, scopedKey, func(tx *gorm.DB) error {
		_, err := s.queue.EnqueueTx(ctx, tx, order.OrderID, params)
		return err
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) && scopedKey != "" {
		// a concurrent request with the same key won the race
		if resp, rerr := s.replay(ctx, scopedKey, clientID); resp != nil || rerr != nil {
			return resp, rerr
		}
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to admit order")
		return nil, fmt.Errorf("admit order: %w", err)
	}

	logger.Info().
		Str("token_in", order.TokenIn).
		Str("token_out", order.TokenOut).
		Str("amount_in", order.AmountIn.String()).
		Int("slippage_bps", order.SlippageBps).
		Msg("Order admitted")

	return s.admission(order.OrderID, clientID)
}

func (s *Service) replay(ctx context.Context, scopedKey, clientID string) (*types.AdmissionResponse, error) {
	record, err := s.db.GetIdempotencyRecord(ctx, scopedKey)
	if err != nil || record == nil {
		return nil, err
	}
	if _, err := s.db.GetOrderByOrderIDAndClientID(ctx, record.ResourceID, clientID); err != nil {
		return nil, err
	}
	s.logger.Debug().Str("order_id", record.ResourceID).Msg("Idempotent replay of order admission")
	return s.admission(record.ResourceID, clientID)
}

func (s *Service) admission(orderID, clientID string) (*types.AdmissionResponse, error) {
	token, err := s.tokens.IssueSubscribeToken(orderID, clientID)
	if err != nil {
		return nil, fmt.Errorf("issue subscribe token: %w", err)
	}
	return &types.AdmissionResponse{
		OrderID:      orderID,
		AuthToken:    token,
		SubscribeURL: s.subscribeURL(orderID),
	}, nil
}

func (s *Service) subscribeURL(orderID string) string {
	u, err := url.Parse(s.subscribeTo)
	if err != nil {
		return s.subscribeTo
	}
	q := u.Query()
	q.Set("orderId", orderID)
	u.RawQuery = q.Encode()
	return u.String()
}

// GetOrderForClient returns orderID if it belongs to clientID.
func (s *Service) GetOrderForClient(ctx context.Context, orderID, clientID string) (*types.Order, error) {
	return s.db.GetOrderByOrderIDAndClientID(ctx, orderID, clientID)
}

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST /api/v1/orders.
// Requires a valid JWT token; the Idempotency-Key header is optional.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.SwapRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationFailed(c, err.Error())
			return
		}

		clientID := c.GetString("clientID")
		if clientID == "" {
			if claims, ok := c.Get("claims"); ok {
				clientID = auth.GetClientID(claims)
			}
		}

		admitted, err := h.service.SubmitOrder(c.Request.Context(), req, clientID, c.GetHeader("Idempotency-Key"))
		response.Handle(c, admitted, err)
	}
}

// GetOrderStatusHandler handles GET /api/v1/orders/:order_id for the order's owner.
func (h *GinHandlers) GetOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.GetOrderForClient(c.Request.Context(), orderID, clientID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				response.NotFound(c, "Order not found")
				return
			}
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, NewOrderView(order))
	}
}
