// Package eventbus carries lifecycle events between the process doing the work and
// the processes holding client connections. Delivery is best effort; the order record
// is the durable source of truth.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrBusClosed is returned after Close.
var ErrBusClosed = errors.New("event bus closed")

// Handler receives a message published on a subscribed topic. Handlers run on the
// bus's delivery goroutine and must not block.
type Handler func(topic string, payload []byte)

// Subscription is one registered handler.
type Subscription interface {
	Close() error
}

// Bus is a topic-addressed publish/subscribe channel.
type Bus interface {
	// Publish sends payload to topic and returns how many local handlers it reached.
	// Publishing to a topic nobody listens to returns 0 and no error.
	Publish(ctx context.Context, topic string, payload []byte) (int, error)
	// Subscribe registers h for topic until the returned Subscription is closed.
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
	Close() error
}

// OrderTopic returns the topic carrying events for one order.
func OrderTopic(orderID string) string {
	return "order:" + orderID
}

// PublishError wraps a failed publish.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// handlerSet is the process-local topic -> handlers table shared by both buses.
type handlerSet struct {
	mu     sync.RWMutex
	nextID uint64
	topics map[string]map[uint64]Handler
}

func newHandlerSet() *handlerSet {
	return &handlerSet{topics: make(map[string]map[uint64]Handler)}
}

// add registers h and reports whether it is the first handler for topic.
func (s *handlerSet) add(topic string, h Handler) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	handlers, ok := s.topics[topic]
	if !ok {
		handlers = make(map[uint64]Handler)
		s.topics[topic] = handlers
	}
	handlers[s.nextID] = h
	return s.nextID, !ok
}

// remove unregisters id and reports whether topic has no handlers left.
func (s *handlerSet) remove(topic string, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	handlers, ok := s.topics[topic]
	if !ok {
		return false
	}
	delete(handlers, id)
	if len(handlers) == 0 {
		delete(s.topics, topic)
		return true
	}
	return false
}

func (s *handlerSet) count(topic string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics[topic])
}

func (s *handlerSet) topicNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.topics))
	for t := range s.topics {
		names = append(names, t)
	}
	return names
}

// dispatch calls every handler of topic and returns how many were called.
func (s *handlerSet) dispatch(topic string, payload []byte) int {
	s.mu.RLock()
	handlers := make([]Handler, 0, len(s.topics[topic]))
	for _, h := range s.topics[topic] {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		h(topic, payload)
	}
	return len(handlers)
}

// subscription removes its handler once.
type subscription struct {
	once   sync.Once
	cancel func() error
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.cancel() })
	return err
}
