package gateway

import (
	"encoding/json"
	"sync"

	"github.com/ksred/klear-swap/internal/types"
)

// watch is one connection's subscription to one order. It holds live events back until
// the order's stored state has been sent, then forwards only events that move the
// order on: a repeat of the last status or an event older than it is dropped.
type watch struct {
	*conn

	mu         sync.Mutex
	ready      bool
	held       [][]byte
	lastStatus types.Status
	lastAt     string
}

func newWatch(c *conn) *watch {
	return &watch{conn: c}
}

// Send queues payload for the connection, or holds it until release.
func (w *watch) Send(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.ready {
		if len(w.held) >= cap(w.conn.send) {
			w.conn.metrics.MessageDropped()
			return ErrQueueFull
		}
		w.held = append(w.held, payload)
		return nil
	}
	return w.forward(payload)
}

// release sends snapshot, if any, followed by the events held so far.
func (w *watch) release(snapshot []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if snapshot != nil {
		if err := w.forward(snapshot); err != nil {
			w.conn.logger.Warn().Err(err).Msg("Failed to queue order snapshot")
		}
	}
	for _, payload := range w.held {
		if err := w.forward(payload); err != nil {
			w.conn.logger.Warn().Err(err).Msg("Failed to deliver held event")
		}
	}
	w.held = nil
	w.ready = true
}

// forward must be called with mu held.
func (w *watch) forward(payload []byte) error {
	var ev struct {
		Status    types.Status `json:"status"`
		Timestamp string       `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Status == "" {
		return w.conn.Send(payload)
	}

	// timestamps share one fixed UTC layout, so they order as strings
	if ev.Status == w.lastStatus || ev.Timestamp < w.lastAt {
		return nil
	}
	if err := w.conn.Send(payload); err != nil {
		return err
	}
	w.lastStatus, w.lastAt = ev.Status, ev.Timestamp
	return nil
}
