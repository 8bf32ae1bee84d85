// Package orchestrator drives one swap order through its lifecycle for each job the
// queue delivers.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-swap/internal/eventbus"
	"github.com/ksred/klear-swap/internal/observability"
	"github.com/ksred/klear-swap/internal/queue"
	"github.com/ksred/klear-swap/internal/swap"
	"github.com/ksred/klear-swap/internal/types"
	"github.com/ksred/klear-swap/internal/venue"
)

// errSuperseded means the order moved on without this delivery.
var errSuperseded = errors.New("order advanced by another delivery")

// Store is the order persistence the orchestrator writes through.
type Store interface {
	GetOrder(ctx context.Context, orderID string) (*types.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status types.Status, upd swap.Update) (bool, error)
	SetRoutingInfo(ctx context.Context, orderID string, info types.RoutingInfo) error
}

type Router interface {
	BestQuote(ctx context.Context, req venue.QuoteRequest) (venue.Quote, error)
}

type Executor interface {
	Execute(ctx context.Context, params types.SwapParams, quote venue.Quote) (venue.ExecutionResult, error)
}

// Publisher is the sending half of the event bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (int, error)
}

type Options struct {
	Store     Store
	Router    Router
	Executor  Executor
	Publisher Publisher
	Metrics   *observability.Metrics
	// PersistAttempts and PersistBackoff govern local retries of a failed write.
	PersistAttempts int
	PersistBackoff  queue.Backoff
	// PublishTimeout bounds one bus publish.
	PublishTimeout time.Duration
}

type Orchestrator struct {
	store           Store
	router          Router
	executor        Executor
	publisher       Publisher
	metrics         *observability.Metrics
	persistAttempts int
	persistBackoff  queue.Backoff
	publishTimeout  time.Duration
	logger          zerolog.Logger
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:           opts.Store,
		router:          opts.Router,
		executor:        opts.Executor,
		publisher:       opts.Publisher,
		metrics:         opts.Metrics,
		persistAttempts: opts.PersistAttempts,
		persistBackoff:  opts.PersistBackoff,
		publishTimeout:  opts.PublishTimeout,
		logger:          log.With().Str("component", "orchestrator").Logger(),
	}
	if o.persistAttempts <= 0 {
		o.persistAttempts = 3
	}
	if o.persistBackoff == (queue.Backoff{}) {
		o.persistBackoff = queue.Backoff{Base: 50 * time.Millisecond, Max: time.Second}
	}
	if o.publishTimeout <= 0 {
		o.publishTimeout = 2 * time.Second
	}
	return o
}

// DecodeParams reads and checks a job payload. Any error means the job can never
// succeed.
func DecodeParams(job queue.Job) (types.SwapParams, error) {
	var params types.SwapParams
	if err := json.Unmarshal([]byte(job.Payload), &params); err != nil {
		return params, fmt.Errorf("decode payload: %w", err)
	}
	switch {
	case params.OrderID == "":
		return params, errors.New("payload has no order id")
	case job.OrderID != "" && params.OrderID != job.OrderID:
		return params, fmt.Errorf("payload order %s does not match job order %s", params.OrderID, job.OrderID)
	case params.TokenIn == "" || params.TokenOut == "":
		return params, errors.New("payload is missing a token")
	case !params.AmountIn.IsInteger() || !params.AmountIn.IsPositive():
		return params, fmt.Errorf("payload amount %s is not a positive integer", params.AmountIn)
	case params.SlippageBps < 1 || params.SlippageBps > swap.MaxSlippageBps:
		return params, fmt.Errorf("payload slippage %d bps out of range", params.SlippageBps)
	}
	return params, nil
}

// Handle runs one delivery of an order's job. It satisfies queue.Handler.
func (o *Orchestrator) Handle(ctx context.Context, job queue.Job) queue.Result {
	params, err := DecodeParams(job)
	if err != nil {
		o.logger.Error().
			Err(err).
			Str("job_id", job.ID).
			Str("order_id", job.OrderID).
			Str("failure", "malformed_payload").
			Msg("Rejecting unprocessable job")
		return queue.Fatal(err)
	}

	logger := o.logger.With().
		Str("job_id", job.ID).
		Str("order_id", params.OrderID).
		Int("attempt", job.Attempt).
		Logger()

	order, err := o.store.GetOrder(ctx, params.OrderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Error().Err(err).Str("failure", "unknown_order").Msg("Rejecting job for unknown order")
		return queue.Fatal(err)
	}
	if err != nil {
		return queue.Retryable(err)
	}

	switch order.Status {
	case types.StatusConfirmed:
		logger.Info().Msg("Order already confirmed, acknowledging redelivery")
		return queue.Ack()
	case types.StatusRouting, types.StatusBuilding, types.StatusSubmitted:
		// an earlier delivery stopped mid-flight; close it out so the retry edge applies
		msg := fmt.Sprintf("delivery interrupted in %s", order.Status)
		if _, err := o.persist(ctx, params.OrderID, types.StatusFailed, swap.Update{Error: &msg}); err != nil {
			return queue.Retryable(err)
		}
		logger.Warn().Str("previous_status", string(order.Status)).Msg("Resuming interrupted order")
	}

	res := o.run(ctx, logger, params)
	if errors.Is(res.Err, errSuperseded) {
		logger.Warn().Msg("Order advanced elsewhere, dropping delivery")
		return queue.Ack()
	}
	if res.Kind == queue.KindRetryable && job.Final() {
		logger.Error().Err(res.Err).Int("max_attempts", job.MaxAttempts).Msg("Order failed on its final attempt")
	}
	return res
}

func (o *Orchestrator) run(ctx context.Context, logger zerolog.Logger, params types.SwapParams) queue.Result {
	orderID := params.OrderID

	if err := o.advance(ctx, logger, types.NewLifecycleEvent(orderID, types.StatusPending), swap.Update{}); err != nil {
		return queue.Retryable(err)
	}
	if err := o.advance(ctx, logger, types.NewLifecycleEvent(orderID, types.StatusRouting), swap.Update{}); err != nil {
		return queue.Retryable(err)
	}

	quote, err := o.router.BestQuote(ctx, venue.QuoteRequest{
		TokenIn:  params.TokenIn,
		TokenOut: params.TokenOut,
		AmountIn: params.AmountIn,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Routing failed")
		return o.fail(ctx, logger, orderID, err, 0)
	}

	if err := o.setRoutingInfo(ctx, orderID, quote.Snapshot()); err != nil {
		return queue.Retryable(err)
	}

	building := types.NewLifecycleEvent(orderID, types.StatusBuilding)
	building.Meta = map[string]any{
		"venue":       quote.VenueID,
		"quoteSource": string(quote.Source),
		"expectedOut": quote.Output.String(),
	}
	if err := o.advance(ctx, logger, building, swap.Update{}); err != nil {
		return queue.Retryable(err)
	}
	if err := o.advance(ctx, logger, types.NewLifecycleEvent(orderID, types.StatusSubmitted), swap.Update{}); err != nil {
		return queue.Retryable(err)
	}

	result, err := o.executor.Execute(ctx, params, quote)
	if err != nil {
		return o.fail(ctx, logger, orderID, err, 1)
	}

	confirmed := types.NewLifecycleEvent(orderID, types.StatusConfirmed)
	confirmed.TxHash = result.TxID
	confirmed.ExecutedOut = result.ExecutedOut.String()
	// the swap settled and a redelivery would execute it again, so try harder here
	err = o.advanceWith(ctx, logger, confirmed, swap.Update{
		TxHash:      &result.TxID,
		ExecutedOut: &result.ExecutedOut,
		ClearError:  true,
	}, 3*o.persistAttempts)
	if err != nil {
		logger.Error().Err(err).Str("tx_hash", result.TxID).Msg("Failed to record confirmed swap")
		return queue.Retryable(err)
	}

	logger.Info().
		Str("venue", quote.VenueID).
		Str("tx_hash", result.TxID).
		Str("executed_out", result.ExecutedOut.String()).
		Bool("simulated", result.Simulated).
		Msg("Swap confirmed")
	return queue.Ack()
}

// fail records a failed attempt and hands the cause back to the queue.
func (o *Orchestrator) fail(ctx context.Context, logger zerolog.Logger, orderID string, cause error, attemptsDelta int) queue.Result {
	msg := cause.Error()
	ev := types.NewLifecycleEvent(orderID, types.StatusFailed)
	ev.Error = msg

	if err := o.advance(ctx, logger, ev, swap.Update{AttemptsDelta: attemptsDelta, Error: &msg}); err != nil && !errors.Is(err, errSuperseded) {
		logger.Error().Err(err).AnErr("cause", cause).Msg("Failed to record failed attempt")
		return queue.Retryable(err)
	}
	return queue.Retryable(cause)
}

// advance persists ev.Status and publishes ev once the write applied. A write that
// the status graph refuses means another delivery owns the order.
func (o *Orchestrator) advance(ctx context.Context, logger zerolog.Logger, ev types.LifecycleEvent, upd swap.Update) error {
	return o.advanceWith(ctx, logger, ev, upd, o.persistAttempts)
}

func (o *Orchestrator) advanceWith(ctx context.Context, logger zerolog.Logger, ev types.LifecycleEvent, upd swap.Update, attempts int) error {
	applied, err := o.persistN(ctx, ev.OrderID, ev.Status, upd, attempts)
	if err != nil {
		return err
	}
	if !applied {
		logger.Debug().Str("status", string(ev.Status)).Msg("Transition refused by current status")
		return errSuperseded
	}

	o.metrics.Transition(string(ev.Status))
	logger.Debug().Str("status", string(ev.Status)).Msg("Order transitioned")
	o.publish(ctx, logger, ev)
	return nil
}

func (o *Orchestrator) persist(ctx context.Context, orderID string, status types.Status, upd swap.Update) (bool, error) {
	return o.persistN(ctx, orderID, status, upd, o.persistAttempts)
}

func (o *Orchestrator) persistN(ctx context.Context, orderID string, status types.Status, upd swap.Update, attempts int) (bool, error) {
	var applied bool
	err := o.persistBackoff.Retry(ctx, attempts, func() error {
		var err error
		applied, err = o.store.UpdateOrderStatus(ctx, orderID, status, upd)
		return err
	})
	return applied, err
}

func (o *Orchestrator) setRoutingInfo(ctx context.Context, orderID string, info types.RoutingInfo) error {
	return o.persistBackoff.Retry(ctx, o.persistAttempts, func() error {
		return o.store.SetRoutingInfo(ctx, orderID, info)
	})
}

// publish is best effort: failures are logged and counted, never returned.
func (o *Orchestrator) publish(ctx context.Context, logger zerolog.Logger, ev types.LifecycleEvent) {
	if o.publisher == nil {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encode lifecycle event")
		o.metrics.EventPublished("error")
		return
	}

	pctx, cancel := context.WithTimeout(ctx, o.publishTimeout)
	defer cancel()

	delivered, err := o.publisher.Publish(pctx, eventbus.OrderTopic(ev.OrderID), payload)
	if err != nil {
		logger.Warn().Err(err).Str("status", string(ev.Status)).Msg("Failed to publish lifecycle event")
		o.metrics.EventPublished("error")
		return
	}
	o.metrics.EventPublished("ok")
	logger.Debug().Str("status", string(ev.Status)).Int("delivered", delivered).Msg("Lifecycle event published")
}
