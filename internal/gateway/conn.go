package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ksred/klear-swap/internal/observability"
)

var (
	ErrQueueFull  = errors.New("send queue full")
	ErrConnClosed = errors.New("connection closed")
)

// conn is one client socket. Every write goes through the bounded send queue and a
// single writer goroutine; a full queue drops the message for this connection only.
type conn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func newConn(id string, ws *websocket.Conn, queueSize int, metrics *observability.Metrics, logger zerolog.Logger) *conn {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &conn{
		id:      id,
		ws:      ws,
		send:    make(chan []byte, queueSize),
		done:    make(chan struct{}),
		metrics: metrics,
		logger:  logger,
	}
}

func (c *conn) ID() string {
	return c.id
}

// Send enqueues payload without blocking.
func (c *conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.metrics.MessageDropped()
		return ErrQueueFull
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *conn) writeLoop(writeTimeout, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed, closing connection")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("Ping failed, closing connection")
				return
			}
		}
	}
}
