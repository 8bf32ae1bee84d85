package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-swap/internal/eventbus"
)

type fakeConn struct {
	id   string
	fail bool

	mu   sync.Mutex
	sent []string
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(payload []byte) error {
	if c.fail {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, string(payload))
	return nil
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func publish(t *testing.T, bus eventbus.Bus, orderID, payload string) int {
	t.Helper()
	n, err := bus.Publish(context.Background(), eventbus.OrderTopic(orderID), []byte(payload))
	require.NoError(t, err)
	return n
}

func TestRegistry_SubscribeUnsubscribeLeavesNoEntry(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	reg := NewRegistry(bus, nil)
	conn := &fakeConn{id: "c1"}

	require.NoError(t, reg.Subscribe(context.Background(), "o1", conn))
	assert.Equal(t, 1, reg.Count("o1"))
	assert.Equal(t, 1, bus.Subscribers(eventbus.OrderTopic("o1")))

	reg.Unsubscribe("o1", conn)
	assert.Zero(t, reg.Count("o1"))
	assert.Zero(t, reg.Orders())
	assert.Zero(t, bus.Subscribers(eventbus.OrderTopic("o1")), "upstream subscription released")

	// resubscribing establishes a fresh upstream subscription
	require.NoError(t, reg.Subscribe(context.Background(), "o1", conn))
	assert.Equal(t, 1, bus.Subscribers(eventbus.OrderTopic("o1")))
	assert.Equal(t, 1, publish(t, bus, "o1", "again"))
	assert.Equal(t, []string{"again"}, conn.messages())
}

func TestRegistry_SingleUpstreamPerOrder(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	reg := NewRegistry(bus, nil)
	a, b := &fakeConn{id: "a"}, &fakeConn{id: "b"}

	require.NoError(t, reg.Subscribe(context.Background(), "o1", a))
	require.NoError(t, reg.Subscribe(context.Background(), "o1", b))
	require.NoError(t, reg.Subscribe(context.Background(), "o1", b))

	assert.Equal(t, 2, reg.Count("o1"))
	assert.Equal(t, 1, bus.Subscribers(eventbus.OrderTopic("o1")))

	publish(t, bus, "o1", "routing")
	assert.Equal(t, []string{"routing"}, a.messages())
	assert.Equal(t, []string{"routing"}, b.messages())

	reg.Unsubscribe("o1", a)
	assert.Equal(t, 1, bus.Subscribers(eventbus.OrderTopic("o1")))
	publish(t, bus, "o1", "building")
	assert.Equal(t, []string{"routing"}, a.messages())
	assert.Equal(t, []string{"routing", "building"}, b.messages())
}

func TestRegistry_FailingConnectionIsIsolated(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	reg := NewRegistry(bus, nil)
	bad, good := &fakeConn{id: "bad", fail: true}, &fakeConn{id: "good"}

	require.NoError(t, reg.Subscribe(context.Background(), "o1", bad))
	require.NoError(t, reg.Subscribe(context.Background(), "o1", good))

	publish(t, bus, "o1", "confirmed")
	assert.Equal(t, []string{"confirmed"}, good.messages())
	assert.Equal(t, 2, reg.Count("o1"))
}

func TestRegistry_RemoveConnDropsAllOrders(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	reg := NewRegistry(bus, nil)
	conn, other := &fakeConn{id: "c1"}, &fakeConn{id: "c2"}

	require.NoError(t, reg.Subscribe(context.Background(), "o1", conn))
	require.NoError(t, reg.Subscribe(context.Background(), "o2", conn))
	require.NoError(t, reg.Subscribe(context.Background(), "o2", other))

	reg.RemoveConn(conn)

	assert.Zero(t, reg.Count("o1"))
	assert.Equal(t, 1, reg.Count("o2"))
	assert.Equal(t, 1, reg.Orders())
	assert.Zero(t, bus.Subscribers(eventbus.OrderTopic("o1")))
}

func TestRegistry_UnsubscribeUnknownIsNoop(t *testing.T) {
	reg := NewRegistry(eventbus.NewMemoryBus(), nil)
	reg.Unsubscribe("missing", &fakeConn{id: "c"})
	reg.OnMessage("missing", []byte("x"))
	assert.Zero(t, reg.Orders())
}

func TestRegistry_SubscribeOnClosedBus(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	require.NoError(t, bus.Close())
	reg := NewRegistry(bus, nil)

	err := reg.Subscribe(context.Background(), "o1", &fakeConn{id: "c"})
	assert.ErrorIs(t, err, eventbus.ErrBusClosed)
	assert.Zero(t, reg.Orders())
}
