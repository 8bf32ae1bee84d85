package gateway

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-swap/internal/auth"
	"github.com/ksred/klear-swap/internal/eventbus"
	"github.com/ksred/klear-swap/internal/subscription"
	"github.com/ksred/klear-swap/internal/types"
)

type harness struct {
	server   *httptest.Server
	bus      *eventbus.MemoryBus
	registry *subscription.Registry
	auth     *auth.Service
}

type orderStore map[string]*types.Order

func (s orderStore) GetOrder(_ context.Context, orderID string) (*types.Order, error) {
	if o, ok := s[orderID]; ok {
		return o, nil
	}
	return nil, fmt.Errorf("order %s: %w", orderID, gorm.ErrRecordNotFound)
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithOrders(t, nil)
}

func newHarnessWithOrders(t *testing.T, orders OrderReader) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := &harness{
		bus:  eventbus.NewMemoryBus(),
		auth: auth.NewService("gateway-secret", time.Hour),
	}
	h.registry = subscription.NewRegistry(h.bus, nil)
	gw := New(Options{Registry: h.registry, Tokens: h.auth, Orders: orders, SendQueueSize: 16})

	r := gin.New()
	r.GET("/ws", gw.Handler())
	h.server = httptest.NewServer(r)
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := strings.Replace(h.server.URL, "http://", "ws://", 1) + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func (h *harness) token(t *testing.T, orderID string) string {
	t.Helper()
	tok, err := h.auth.IssueSubscribeToken(orderID, "client-1")
	require.NoError(t, err)
	return tok
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg map[string]any
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestGateway_PingPong(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	require.NoError(t, ws.WriteJSON(ClientMessage{Action: ActionPing}))
	assert.Equal(t, map[string]any{"action": "pong"}, readJSON(t, ws))
}

func TestGateway_SubscribeAndReceiveEvents(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	require.NoError(t, ws.WriteJSON(ClientMessage{Action: ActionSubscribe, Token: h.token(t, "o1"), OrderID: "o1"}))
	assert.Equal(t, map[string]any{"status": "subscribed", "orderId": "o1"}, readJSON(t, ws))
	assert.Equal(t, 1, h.registry.Count("o1"))

	n, err := h.bus.Publish(context.Background(), eventbus.OrderTopic("o1"), []byte(`{"orderId":"o1","status":"routing"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, map[string]any{"orderId": "o1", "status": "routing"}, readJSON(t, ws))
}

func TestGateway_AuthActionWithoutOrderID(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	require.NoError(t, ws.WriteJSON(ClientMessage{Action: ActionAuth, Token: h.token(t, "o2")}))
	assert.Equal(t, map[string]any{"status": "subscribed", "orderId": "o2"}, readJSON(t, ws))
}

func TestGateway_RejectsBadTokens(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	forged, err := auth.NewService("other-secret", time.Hour).IssueSubscribeToken("o1", "")
	require.NoError(t, err)

	for _, msg := range []ClientMessage{
		{Action: ActionSubscribe, Token: "garbage", OrderID: "o1"},
		{Action: ActionSubscribe, Token: forged, OrderID: "o1"},
		{Action: ActionSubscribe, Token: h.token(t, "o1"), OrderID: "someone-elses-order"},
	} {
		require.NoError(t, ws.WriteJSON(msg))
		assert.Equal(t, map[string]any{"error": "invalid_token"}, readJSON(t, ws))
	}
	assert.Zero(t, h.registry.Orders())
}

func TestGateway_UnknownAndMalformedMessages(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, map[string]any{"error": "invalid_message"}, readJSON(t, ws))

	require.NoError(t, ws.WriteJSON(ClientMessage{Action: "cancel"}))
	assert.Equal(t, map[string]any{"error": "unknown_action"}, readJSON(t, ws))
}

func TestGateway_DisconnectDropsSubscriptions(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	require.NoError(t, ws.WriteJSON(ClientMessage{Action: ActionSubscribe, Token: h.token(t, "o1")}))
	readJSON(t, ws)
	require.NoError(t, ws.WriteJSON(ClientMessage{Action: ActionSubscribe, Token: h.token(t, "o2")}))
	readJSON(t, ws)
	require.Equal(t, 2, h.registry.Orders())

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	ws.Close()

	require.Eventually(t, func() bool { return h.registry.Orders() == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.bus.Subscribers(eventbus.OrderTopic("o1")))
}

func TestConn_SendDropsWhenQueueFull(t *testing.T) {
	c := newConn("c1", nil, 1, nil, zerolog.Nop())

	require.NoError(t, c.Send([]byte("first")))
	assert.ErrorIs(t, c.Send([]byte("second")), ErrQueueFull)

	close(c.done)
	assert.ErrorIs(t, c.Send([]byte("third")), ErrConnClosed)
}

func TestGateway_LateSubscriberReceivesStoredState(t *testing.T) {
	tx := "SIM-settled"
	h := newHarnessWithOrders(t, orderStore{
		"o1": {
			OrderID:   "o1",
			Status:    types.StatusConfirmed,
			TxHash:    &tx,
			UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	})
	ws := h.dial(t)

	require.NoError(t, ws.WriteJSON(ClientMessage{Action: ActionSubscribe, Token: h.token(t, "o1")}))
	assert.Equal(t, map[string]any{"status": "subscribed", "orderId": "o1"}, readJSON(t, ws))

	snap := readJSON(t, ws)
	assert.Equal(t, "o1", snap["orderId"])
	assert.Equal(t, "confirmed", snap["status"])
	assert.Equal(t, "SIM-settled", snap["txHash"])
	assert.Equal(t, "2026-03-01T12:00:00.000Z", snap["timestamp"])
}

func TestGateway_SnapshotThenOnlyNewerEvents(t *testing.T) {
	h := newHarnessWithOrders(t, orderStore{
		"o1": {OrderID: "o1", Status: types.StatusRouting, UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	})
	ws := h.dial(t)

	require.NoError(t, ws.WriteJSON(ClientMessage{Action: ActionSubscribe, Token: h.token(t, "o1")}))
	readJSON(t, ws)
	assert.Equal(t, "routing", readJSON(t, ws)["status"])

	for _, payload := range []string{
		`{"orderId":"o1","status":"routing","timestamp":"2026-03-01T12:00:00.000Z"}`,
		`{"orderId":"o1","status":"pending","timestamp":"2026-03-01T11:59:59.000Z"}`,
		`{"orderId":"o1","status":"building","timestamp":"2026-03-01T12:00:01.000Z"}`,
	} {
		_, err := h.bus.Publish(context.Background(), eventbus.OrderTopic("o1"), []byte(payload))
		require.NoError(t, err)
	}
	assert.Equal(t, "building", readJSON(t, ws)["status"])
}

func TestGateway_UnknownOrderStillSubscribes(t *testing.T) {
	h := newHarnessWithOrders(t, orderStore{})
	ws := h.dial(t)

	require.NoError(t, ws.WriteJSON(ClientMessage{Action: ActionSubscribe, Token: h.token(t, "o9")}))
	assert.Equal(t, map[string]any{"status": "subscribed", "orderId": "o9"}, readJSON(t, ws))

	_, err := h.bus.Publish(context.Background(), eventbus.OrderTopic("o9"), []byte(`{"orderId":"o9","status":"pending"}`))
	require.NoError(t, err)
	assert.Equal(t, "pending", readJSON(t, ws)["status"])
}

func TestWatch_HoldsEventsUntilReleased(t *testing.T) {
	c := newConn("c1", nil, 8, nil, zerolog.Nop())
	w := newWatch(c)

	require.NoError(t, w.Send([]byte(`{"status":"routing","timestamp":"2026-03-01T12:00:00.000Z"}`)))
	require.NoError(t, w.Send([]byte(`{"status":"submitted","timestamp":"2026-03-01T12:00:02.000Z"}`)))
	assert.Empty(t, c.send)

	w.release([]byte(`{"status":"building","timestamp":"2026-03-01T12:00:01.000Z"}`))

	var got []string
	for len(c.send) > 0 {
		got = append(got, string(<-c.send))
	}
	assert.Equal(t, []string{
		`{"status":"building","timestamp":"2026-03-01T12:00:01.000Z"}`,
		`{"status":"submitted","timestamp":"2026-03-01T12:00:02.000Z"}`,
	}, got)

	// a retry starts over from pending with a later timestamp
	require.NoError(t, w.Send([]byte(`{"status":"failed","timestamp":"2026-03-01T12:00:03.000Z"}`)))
	require.NoError(t, w.Send([]byte(`{"status":"pending","timestamp":"2026-03-01T12:00:04.000Z"}`)))
	assert.Len(t, c.send, 2)
}
