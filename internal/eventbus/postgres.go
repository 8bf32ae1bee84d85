package eventbus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxNotifyPayload is the largest payload Postgres NOTIFY accepts.
const maxNotifyPayload = 8000

// PostgresBus fans messages across processes with LISTEN/NOTIFY.
// One dedicated connection per process listens; NOTIFY goes through a pool.
// Publish reports the number of handlers on this process only, since NOTIFY does
// not say who received it.
type PostgresBus struct {
	dsn      string
	pool     *pgxpool.Pool
	handlers *handlerSet
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// conn is owned by the listen loop
	conn *pgx.Conn

	mu         sync.Mutex
	pending    []*listenCmd
	waitCancel context.CancelFunc
	channels   map[string]string // channel -> topic
}

type listenCmd struct {
	channel string
	listen  bool
	done    chan error
}

// NewPostgresBus connects the listener and the publish pool.
func NewPostgresBus(ctx context.Context, dsn string) (*PostgresBus, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect notify pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping notify pool: %w", err)
	}

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect listener: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b := &PostgresBus{
		dsn:      dsn,
		pool:     pool,
		handlers: newHandlerSet(),
		logger:   log.With().Str("component", "postgres_bus").Logger(),
		ctx:      loopCtx,
		cancel:   cancel,
		conn:     conn,
		channels: make(map[string]string),
	}

	b.wg.Add(1)
	go b.listenLoop()

	return b, nil
}

// channelName maps a topic onto a valid, case-stable Postgres channel identifier.
func channelName(topic string) string {
	sum := sha256.Sum256([]byte(topic))
	return "swap_" + hex.EncodeToString(sum[:20])
}

// Publish sends payload with pg_notify.
func (b *PostgresBus) Publish(ctx context.Context, topic string, payload []byte) (int, error) {
	if b.ctx.Err() != nil {
		return 0, &PublishError{Topic: topic, Err: ErrBusClosed}
	}
	if len(payload) > maxNotifyPayload {
		return 0, &PublishError{Topic: topic, Err: fmt.Errorf("payload %d bytes exceeds %d", len(payload), maxNotifyPayload)}
	}

	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channelName(topic), string(payload)); err != nil {
		return 0, &PublishError{Topic: topic, Err: err}
	}
	return b.handlers.count(topic), nil
}

// Subscribe registers h and, for the first local handler of topic, issues LISTEN.
// It returns once the listener is active. Handler, channel map and LISTEN/UNLISTEN
// queue change together under mu, so concurrent subscribes and closes on one topic
// reach the listener in the order they took effect.
func (b *PostgresBus) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	if b.ctx.Err() != nil {
		return nil, ErrBusClosed
	}

	channel := channelName(topic)
	b.mu.Lock()
	id, first := b.handlers.add(topic, h)
	var cmd *listenCmd
	if first {
		b.channels[channel] = topic
		cmd = b.enqueueLocked(channel, true)
	}
	b.mu.Unlock()

	if cmd != nil {
		if err := b.wait(ctx, cmd); err != nil {
			b.mu.Lock()
			if b.handlers.remove(topic, id) {
				delete(b.channels, channel)
				// the LISTEN may still run after we gave up on it
				b.enqueueLocked(channel, false)
			}
			b.mu.Unlock()
			return nil, fmt.Errorf("listen %s: %w", topic, err)
		}
	}

	return &subscription{cancel: func() error {
		b.mu.Lock()
		var cmd *listenCmd
		if b.handlers.remove(topic, id) {
			delete(b.channels, channel)
			cmd = b.enqueueLocked(channel, false)
		}
		b.mu.Unlock()

		if cmd == nil {
			return nil
		}
		return b.wait(context.Background(), cmd)
	}}, nil
}

// enqueueLocked hands a LISTEN/UNLISTEN to the listen loop. mu must be held.
func (b *PostgresBus) enqueueLocked(channel string, listen bool) *listenCmd {
	cmd := &listenCmd{channel: channel, listen: listen, done: make(chan error, 1)}
	b.pending = append(b.pending, cmd)
	if b.waitCancel != nil {
		b.waitCancel()
	}
	return cmd
}

// wait blocks until the listen loop ran cmd.
func (b *PostgresBus) wait(ctx context.Context, cmd *listenCmd) error {
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return ErrBusClosed
	}
}

func (b *PostgresBus) listenLoop() {
	defer b.wg.Done()
	retry := 0

	for {
		if b.ctx.Err() != nil {
			return
		}

		b.mu.Lock()
		cmds := b.pending
		b.pending = nil
		waitCtx, cancel := context.WithCancel(b.ctx)
		b.waitCancel = cancel
		b.mu.Unlock()

		for _, cmd := range cmds {
			cmd.done <- b.apply(cmd)
		}
		if len(cmds) > 0 {
			cancel()
			continue
		}

		n, err := b.conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.Canceled) && !b.conn.IsClosed() {
				continue // woken up for a command
			}
			b.logger.Error().Err(err).Int("retry", retry).Msg("listener connection lost")
			if !b.reconnect(retry) {
				return
			}
			retry++
			continue
		}
		retry = 0

		b.mu.Lock()
		topic, ok := b.channels[n.Channel]
		b.mu.Unlock()
		if !ok {
			continue
		}
		b.handlers.dispatch(topic, []byte(n.Payload))
	}
}

func (b *PostgresBus) apply(cmd *listenCmd) error {
	ident := pgx.Identifier{cmd.channel}.Sanitize()
	stmt := "UNLISTEN " + ident
	if cmd.listen {
		stmt = "LISTEN " + ident
	}
	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	defer cancel()
	_, err := b.conn.Exec(ctx, stmt)
	return err
}

// reconnect replaces the listener connection and re-issues LISTEN for every topic
// with local handlers.
func (b *PostgresBus) reconnect(retry int) bool {
	delay := time.Duration(1<<min(retry, 5)) * 100 * time.Millisecond
	select {
	case <-b.ctx.Done():
		return false
	case <-time.After(delay):
	}

	_ = b.conn.Close(context.Background())
	conn, err := pgx.Connect(b.ctx, b.dsn)
	if err != nil {
		b.logger.Error().Err(err).Msg("listener reconnect failed")
		return b.ctx.Err() == nil
	}
	b.conn = conn

	for _, topic := range b.handlers.topicNames() {
		if err := b.apply(&listenCmd{channel: channelName(topic), listen: true}); err != nil {
			b.logger.Error().Err(err).Str("topic", topic).Msg("re-listen failed")
		}
	}
	b.logger.Info().Msg("listener reconnected")
	return true
}

// Close stops the listener and closes both connections.
func (b *PostgresBus) Close() error {
	b.cancel()
	b.wg.Wait()
	b.pool.Close()
	return b.conn.Close(context.Background())
}
