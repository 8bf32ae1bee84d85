// Package subscription maps orders to the live client connections watching them and
// bridges them to the event bus.
package subscription

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-swap/internal/eventbus"
	"github.com/ksred/klear-swap/internal/observability"
)

// Conn is a client connection able to receive serialized events.
type Conn interface {
	ID() string
	Send(payload []byte) error
}

type entry struct {
	conns    map[string]Conn
	upstream eventbus.Subscription
}

// Registry is owned by one gateway instance. An order has an entry only while at least
// one connection watches it.
type Registry struct {
	bus     eventbus.Bus
	metrics *observability.Metrics
	logger  zerolog.Logger

	// changes serializes mutations. Bus calls happen under it but never under mu, so
	// a bus delivering a message while a LISTEN is pending cannot deadlock.
	changes sync.Mutex
	mu      sync.Mutex
	orders  map[string]*entry
	// per connection, the orders it watches
	byConn map[string]map[string]struct{}
}

// NewRegistry creates a registry forwarding bus messages to connections.
func NewRegistry(bus eventbus.Bus, metrics *observability.Metrics) *Registry {
	return &Registry{
		bus:     bus,
		metrics: metrics,
		logger:  log.With().Str("component", "subscription").Logger(),
		orders:  make(map[string]*entry),
		byConn:  make(map[string]map[string]struct{}),
	}
}

// Subscribe adds conn to the watchers of orderID. The first watcher of an order opens
// the upstream bus subscription. Subscribing the same connection again replaces it.
func (r *Registry) Subscribe(ctx context.Context, orderID string, conn Conn) error {
	r.changes.Lock()
	defer r.changes.Unlock()

	r.mu.Lock()
	_, exists := r.orders[orderID]
	r.mu.Unlock()

	var upstream eventbus.Subscription
	if !exists {
		sub, err := r.bus.Subscribe(ctx, eventbus.OrderTopic(orderID), func(_ string, payload []byte) {
			r.OnMessage(orderID, payload)
		})
		if err != nil {
			return fmt.Errorf("subscribe order %s: %w", orderID, err)
		}
		upstream = sub
	}

	r.mu.Lock()
	e, ok := r.orders[orderID]
	if !ok {
		e = &entry{conns: make(map[string]Conn), upstream: upstream}
		r.orders[orderID] = e
	}
	e.conns[conn.ID()] = conn

	watched, ok := r.byConn[conn.ID()]
	if !ok {
		watched = make(map[string]struct{})
		r.byConn[conn.ID()] = watched
	}
	watched[orderID] = struct{}{}
	watchers, active := len(e.conns), len(r.orders)
	r.mu.Unlock()

	r.metrics.SetActiveSubscriptions(active)
	r.logger.Debug().
		Str("order_id", orderID).
		Str("conn_id", conn.ID()).
		Int("watchers", watchers).
		Msg("Connection subscribed")
	return nil
}

// Unsubscribe removes conn from orderID. The last watcher leaving closes the upstream
// subscription and drops the entry.
func (r *Registry) Unsubscribe(orderID string, conn Conn) {
	r.changes.Lock()
	defer r.changes.Unlock()
	r.unsubscribe(orderID, conn.ID())
}

// RemoveConn drops every subscription held by conn.
func (r *Registry) RemoveConn(conn Conn) {
	r.changes.Lock()
	defer r.changes.Unlock()

	r.mu.Lock()
	orderIDs := make([]string, 0, len(r.byConn[conn.ID()]))
	for orderID := range r.byConn[conn.ID()] {
		orderIDs = append(orderIDs, orderID)
	}
	r.mu.Unlock()

	for _, orderID := range orderIDs {
		r.unsubscribe(orderID, conn.ID())
	}
}

// unsubscribe must be called with changes held.
func (r *Registry) unsubscribe(orderID, connID string) {
	r.mu.Lock()
	if watched, ok := r.byConn[connID]; ok {
		delete(watched, orderID)
		if len(watched) == 0 {
			delete(r.byConn, connID)
		}
	}

	var upstream eventbus.Subscription
	if e, ok := r.orders[orderID]; ok {
		delete(e.conns, connID)
		if len(e.conns) == 0 {
			delete(r.orders, orderID)
			upstream = e.upstream
		}
	}
	active := len(r.orders)
	r.mu.Unlock()

	r.metrics.SetActiveSubscriptions(active)
	if upstream == nil {
		return
	}
	if err := upstream.Close(); err != nil {
		r.logger.Warn().Err(err).Str("order_id", orderID).Msg("Failed to close upstream subscription")
	}
}

// OnMessage forwards payload to every watcher of orderID. A failing connection is
// logged and skipped.
func (r *Registry) OnMessage(orderID string, payload []byte) {
	r.mu.Lock()
	e, ok := r.orders[orderID]
	var conns []Conn
	if ok {
		conns = make([]Conn, 0, len(e.conns))
		for _, c := range e.conns {
			conns = append(conns, c)
		}
	}
	r.mu.Unlock()

	for _, c := range conns {
		if err := c.Send(payload); err != nil {
			r.logger.Warn().
				Err(err).
				Str("order_id", orderID).
				Str("conn_id", c.ID()).
				Msg("Failed to deliver event")
		}
	}
}

// Count returns the number of connections watching orderID.
func (r *Registry) Count(orderID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.orders[orderID]; ok {
		return len(e.conns)
	}
	return 0
}

// Orders returns how many orders have at least one watcher.
func (r *Registry) Orders() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}
