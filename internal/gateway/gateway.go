// Package gateway serves the WebSocket endpoint clients use to follow their orders.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-swap/internal/auth"
	"github.com/ksred/klear-swap/internal/observability"
	"github.com/ksred/klear-swap/internal/subscription"
	"github.com/ksred/klear-swap/internal/types"
)

// Client actions.
const (
	ActionAuth      = "auth"
	ActionSubscribe = "subscribe"
	ActionPing      = "ping"
	ActionPong      = "pong"
)

// Error codes sent back to the client.
const (
	ErrorInvalidToken    = "invalid_token"
	ErrorInvalidMessage  = "invalid_message"
	ErrorUnknownAction   = "unknown_action"
	ErrorSubscribeFailed = "subscribe_failed"
)

const (
	maxMessageSize  = 4096
	snapshotTimeout = 2 * time.Second
)

// ClientMessage is what a client sends.
type ClientMessage struct {
	Action  string `json:"action"`
	Token   string `json:"token,omitempty"`
	OrderID string `json:"orderId,omitempty"`
}

// Reply is what the gateway answers with. Lifecycle events are forwarded verbatim.
type Reply struct {
	Status  string `json:"status,omitempty"`
	OrderID string `json:"orderId,omitempty"`
	Action  string `json:"action,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TokenValidator verifies per-order subscribe tokens.
type TokenValidator interface {
	ValidateSubscribeToken(token string) (*auth.SubscribeClaims, error)
}

// OrderReader loads the stored state of an order.
type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (*types.Order, error)
}

type Options struct {
	Registry *subscription.Registry
	Tokens   TokenValidator
	// Orders, when set, supplies the state a new subscriber receives first.
	Orders        OrderReader
	Metrics       *observability.Metrics
	SendQueueSize int
	WriteTimeout  time.Duration
	PongWait      time.Duration
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
}

type Gateway struct {
	registry      *subscription.Registry
	tokens        TokenValidator
	orders        OrderReader
	metrics       *observability.Metrics
	upgrader      websocket.Upgrader
	sendQueueSize int
	writeTimeout  time.Duration
	pongWait      time.Duration
	logger        zerolog.Logger
}

func New(opts Options) *Gateway {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		registry: opts.Registry,
		tokens:   opts.Tokens,
		orders:   opts.Orders,
		metrics:  opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		sendQueueSize: opts.SendQueueSize,
		writeTimeout:  opts.WriteTimeout,
		pongWait:      opts.PongWait,
		logger:        log.With().Str("component", "gateway").Logger(),
	}
}

// Handler upgrades GET /ws and serves the connection until it closes.
func (g *Gateway) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// the upgrader already wrote the HTTP error
			g.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		g.serve(c.Request.Context(), ws)
	}
}

func (g *Gateway) serve(ctx context.Context, ws *websocket.Conn) {
	id := uuid.New().String()
	logger := g.logger.With().Str("conn_id", id).Logger()
	cn := newConn(id, ws, g.sendQueueSize, g.metrics, logger)

	g.metrics.ConnectionOpened()
	logger.Debug().Str("remote", ws.RemoteAddr().String()).Msg("Connection opened")
	defer func() {
		g.registry.RemoveConn(cn)
		cn.close()
		g.metrics.ConnectionClosed()
		logger.Debug().Msg("Connection closed")
	}()

	go cn.writeLoop(g.writeTimeout, g.pongWait*9/10)

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(g.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(g.pongWait))
	})

	// the request context ends when the handler returns, so subscriptions use their own
	subCtx := context.WithoutCancel(ctx)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("Read failed")
			}
			return
		}
		g.handleMessage(subCtx, logger, cn, data)
	}
}

func (g *Gateway) handleMessage(ctx context.Context, logger zerolog.Logger, cn *conn, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		g.reply(logger, cn, Reply{Error: ErrorInvalidMessage})
		return
	}

	switch msg.Action {
	case ActionPing:
		g.reply(logger, cn, Reply{Action: ActionPong})

	case ActionAuth, ActionSubscribe:
		claims, err := g.tokens.ValidateSubscribeToken(msg.Token)
		if err != nil || (msg.OrderID != "" && msg.OrderID != claims.OrderID) {
			logger.Debug().Err(err).Str("order_id", msg.OrderID).Msg("Rejected subscribe token")
			g.reply(logger, cn, Reply{Error: ErrorInvalidToken})
			return
		}

		w := newWatch(cn)
		if err := g.registry.Subscribe(ctx, claims.OrderID, w); err != nil {
			logger.Error().Err(err).Str("order_id", claims.OrderID).Msg("Failed to subscribe")
			g.reply(logger, cn, Reply{Error: ErrorSubscribeFailed, OrderID: claims.OrderID})
			return
		}
		g.reply(logger, cn, Reply{Status: "subscribed", OrderID: claims.OrderID})
		w.release(g.snapshot(ctx, logger, claims.OrderID))

	default:
		g.reply(logger, cn, Reply{Error: ErrorUnknownAction})
	}
}

func (g *Gateway) reply(logger zerolog.Logger, cn *conn, r Reply) {
	payload, err := json.Marshal(r)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encode reply")
		return
	}
	if err := cn.Send(payload); err != nil {
		logger.Warn().Err(err).Msg("Failed to queue reply")
	}
}

// snapshot encodes the stored state of orderID, or returns nil when it cannot be read.
// Events published after the subscription opened are held back until it is sent.
func (g *Gateway) snapshot(ctx context.Context, logger zerolog.Logger, orderID string) []byte {
	if g.orders == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	order, err := g.orders.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Debug().Str("order_id", orderID).Msg("No stored order to snapshot")
		} else {
			logger.Warn().Err(err).Str("order_id", orderID).Msg("Failed to load order snapshot")
		}
		return nil
	}

	payload, err := json.Marshal(types.OrderEvent(order))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encode order snapshot")
		return nil
	}
	return payload
}
