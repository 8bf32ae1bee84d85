package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-swap/internal/eventbus"
	"github.com/ksred/klear-swap/internal/execution"
	"github.com/ksred/klear-swap/internal/queue"
	"github.com/ksred/klear-swap/internal/routing"
	"github.com/ksred/klear-swap/internal/subscription"
	"github.com/ksred/klear-swap/internal/swap"
	"github.com/ksred/klear-swap/internal/types"
	"github.com/ksred/klear-swap/internal/venue"
)

const (
	usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	bonkMint = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
)

var fullRun = []types.Status{
	types.StatusPending,
	types.StatusRouting,
	types.StatusBuilding,
	types.StatusSubmitted,
	types.StatusConfirmed,
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&types.Order{}, &swap.IdempotencyRecord{}, &queue.Job{}))
	return db
}

type fakeRouter struct {
	quote venue.Quote
	err   error
	calls atomic.Int32
}

func (r *fakeRouter) BestQuote(ctx context.Context, req venue.QuoteRequest) (venue.Quote, error) {
	r.calls.Add(1)
	return r.quote, r.err
}

type fakeExecutor struct {
	mu      sync.Mutex
	results []error // consumed in order; nil means success
	calls   int
}

func (e *fakeExecutor) Execute(ctx context.Context, params types.SwapParams, quote venue.Quote) (venue.ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	var err error
	if len(e.results) > 0 {
		err = e.results[0]
		e.results = e.results[1:]
	}
	if err != nil {
		return venue.ExecutionResult{}, &execution.ExecutionError{VenueID: quote.VenueID, Err: err}
	}
	return venue.ExecutionResult{TxID: "tx-" + params.OrderID, ExecutedOut: decimal.NewFromInt(104_000)}, nil
}

func (e *fakeExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type failingPublisher struct{ calls atomic.Int32 }

func (p *failingPublisher) Publish(context.Context, string, []byte) (int, error) {
	p.calls.Add(1)
	return 0, &eventbus.PublishError{Topic: "x", Err: errors.New("connection reset")}
}

// flakyStore fails the first n status writes.
type flakyStore struct {
	*swap.Database
	failures atomic.Int32
}

func (s *flakyStore) UpdateOrderStatus(ctx context.Context, orderID string, status types.Status, upd swap.Update) (bool, error) {
	if s.failures.Add(-1) >= 0 {
		return false, &swap.PersistenceError{Op: "update status of", OrderID: orderID, Err: errors.New("database is locked")}
	}
	return s.Database.UpdateOrderStatus(ctx, orderID, status, upd)
}

// watcher collects the lifecycle events published for one order.
type watcher struct {
	mu     sync.Mutex
	events []types.LifecycleEvent
}

func watch(t *testing.T, bus eventbus.Bus, orderID string) *watcher {
	t.Helper()
	w := &watcher{}
	_, err := bus.Subscribe(context.Background(), eventbus.OrderTopic(orderID), func(_ string, payload []byte) {
		var ev types.LifecycleEvent
		require.NoError(t, json.Unmarshal(payload, &ev))
		w.mu.Lock()
		w.events = append(w.events, ev)
		w.mu.Unlock()
	})
	require.NoError(t, err)
	return w
}

func (w *watcher) statuses() []types.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]types.Status, len(w.events))
	for i, ev := range w.events {
		out[i] = ev.Status
	}
	return out
}

func (w *watcher) last() types.LifecycleEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events[len(w.events)-1]
}

type fixture struct {
	store    *swap.Database
	bus      *eventbus.MemoryBus
	router   *fakeRouter
	executor *fakeExecutor
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: swap.NewDatabase(newTestDB(t)),
		bus:   eventbus.NewMemoryBus(),
		router: &fakeRouter{quote: venue.Quote{
			VenueID: "meteora",
			Output:  decimal.NewFromInt(105_000),
			Source:  venue.SourceVenue,
			Fee:     venue.Fee{Bps: 25, Amount: decimal.NewFromInt(250)},
		}},
		executor: &fakeExecutor{},
	}
	f.orch = New(Options{
		Store:          f.store,
		Router:         f.router,
		Executor:       f.executor,
		Publisher:      f.bus,
		PersistBackoff: queue.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
	})
	return f
}

func (f *fixture) seed(t *testing.T, orderID string) queue.Job {
	t.Helper()
	params := types.SwapParams{
		OrderID:     orderID,
		ClientID:    "client-1",
		TokenIn:     usdcMint,
		TokenOut:    bonkMint,
		AmountIn:    decimal.NewFromInt(100_000),
		SlippageBps: 50,
	}
	require.NoError(t, f.store.InsertOrder(context.Background(), &types.Order{
		OrderID:     orderID,
		ClientID:    params.ClientID,
		TokenIn:     params.TokenIn,
		TokenOut:    params.TokenOut,
		AmountIn:    params.AmountIn,
		SlippageBps: params.SlippageBps,
	}))
	payload, err := json.Marshal(params)
	require.NoError(t, err)
	return queue.Job{ID: "job-" + orderID, OrderID: orderID, Payload: string(payload), Attempt: 1, MaxAttempts: 3}
}

func (f *fixture) order(t *testing.T, orderID string) *types.Order {
	t.Helper()
	o, err := f.store.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	return o
}

func TestHandle_HappyPath(t *testing.T) {
	f := newFixture(t)
	job := f.seed(t, "o1")
	w := watch(t, f.bus, "o1")

	res := f.orch.Handle(context.Background(), job)
	require.Equal(t, queue.KindAck, res.Kind, "%v", res.Err)

	assert.Equal(t, fullRun, w.statuses())

	building := w.events[2]
	assert.Equal(t, "meteora", building.Meta["venue"])
	assert.Equal(t, "venue", building.Meta["quoteSource"])
	assert.Equal(t, "105000", building.Meta["expectedOut"])

	confirmed := w.last()
	assert.Equal(t, "tx-o1", confirmed.TxHash)
	assert.Equal(t, "104000", confirmed.ExecutedOut)

	o := f.order(t, "o1")
	assert.Equal(t, types.StatusConfirmed, o.Status)
	assert.Zero(t, o.Attempts)
	require.NotNil(t, o.TxHash)
	assert.Equal(t, "tx-o1", *o.TxHash)
	assert.Equal(t, "104000", o.ExecutedOut.Decimal.String())
	assert.Equal(t, "meteora", o.RoutingInfo["venue"])
	assert.Equal(t, "105000", o.RoutingInfo["expectedOut"])
}

func TestHandle_ExecutionFailureThenRetry(t *testing.T) {
	f := newFixture(t)
	f.executor.results = []error{venue.ErrSlippageExceeded}
	job := f.seed(t, "o1")
	w := watch(t, f.bus, "o1")

	res := f.orch.Handle(context.Background(), job)
	require.Equal(t, queue.KindRetryable, res.Kind)
	assert.ErrorIs(t, res.Err, venue.ErrSlippageExceeded)

	assert.Equal(t, []types.Status{
		types.StatusPending, types.StatusRouting, types.StatusBuilding, types.StatusSubmitted, types.StatusFailed,
	}, w.statuses())
	assert.Contains(t, w.last().Error, "slippage")

	o := f.order(t, "o1")
	assert.Equal(t, types.StatusFailed, o.Status)
	assert.Equal(t, 1, o.Attempts)
	require.NotNil(t, o.Error)

	// the queue redelivers; the full machine runs again from pending
	job.Attempt = 2
	res = f.orch.Handle(context.Background(), job)
	require.Equal(t, queue.KindAck, res.Kind, "%v", res.Err)

	assert.Equal(t, fullRun, w.statuses()[5:])
	failed := 0
	for _, s := range w.statuses() {
		if s == types.StatusFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)

	o = f.order(t, "o1")
	assert.Equal(t, types.StatusConfirmed, o.Status)
	assert.Equal(t, 1, o.Attempts)
	assert.Nil(t, o.Error)
}

func TestHandle_RoutingFailureKeepsAttempts(t *testing.T) {
	f := newFixture(t)
	f.router.err = routing.ErrNoQuoteAvailable
	job := f.seed(t, "o1")
	w := watch(t, f.bus, "o1")

	res := f.orch.Handle(context.Background(), job)
	require.Equal(t, queue.KindRetryable, res.Kind)
	assert.ErrorIs(t, res.Err, routing.ErrNoQuoteAvailable)

	assert.Equal(t, []types.Status{types.StatusPending, types.StatusRouting, types.StatusFailed}, w.statuses())
	assert.Zero(t, f.executor.count())

	o := f.order(t, "o1")
	assert.Equal(t, types.StatusFailed, o.Status)
	assert.Zero(t, o.Attempts)
}

func TestHandle_MalformedPayloadIsFatal(t *testing.T) {
	f := newFixture(t)
	w := watch(t, f.bus, "o1")

	cases := map[string]queue.Job{
		"not json":       {ID: "j1", OrderID: "o1", Payload: "{"},
		"no order id":    {ID: "j2", OrderID: "o1", Payload: `{"tokenIn":"a","tokenOut":"b","amountIn":"5","slippageBps":50}`},
		"fractional":     {ID: "j3", OrderID: "o1", Payload: `{"orderId":"o1","tokenIn":"a","tokenOut":"b","amountIn":"5.5","slippageBps":50}`},
		"bad amount":     {ID: "j4", OrderID: "o1", Payload: `{"orderId":"o1","tokenIn":"a","tokenOut":"b","amountIn":"five","slippageBps":50}`},
		"order mismatch": {ID: "j5", OrderID: "o2", Payload: `{"orderId":"o1","tokenIn":"a","tokenOut":"b","amountIn":"5","slippageBps":50}`},
		"no slippage":    {ID: "j6", OrderID: "o1", Payload: `{"orderId":"o1","tokenIn":"a","tokenOut":"b","amountIn":"5"}`},
		"unknown order":  {ID: "j7", OrderID: "o1", Payload: `{"orderId":"o1","tokenIn":"a","tokenOut":"b","amountIn":"5","slippageBps":50}`},
	}
	for name, job := range cases {
		t.Run(name, func(t *testing.T) {
			res := f.orch.Handle(context.Background(), job)
			assert.Equal(t, queue.KindFatal, res.Kind)
			assert.Error(t, res.Err)
		})
	}

	assert.Empty(t, w.statuses())
	assert.Zero(t, f.router.calls.Load())
}

func TestHandle_ConfirmedRedeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	job := f.seed(t, "o1")

	require.Equal(t, queue.KindAck, f.orch.Handle(context.Background(), job).Kind)
	w := watch(t, f.bus, "o1")

	res := f.orch.Handle(context.Background(), job)
	assert.Equal(t, queue.KindAck, res.Kind)
	assert.Empty(t, w.statuses())
	assert.Equal(t, 1, f.executor.count())
	assert.EqualValues(t, 1, f.router.calls.Load())
}

func TestHandle_ResumesInterruptedDelivery(t *testing.T) {
	f := newFixture(t)
	job := f.seed(t, "o1")

	for _, s := range []types.Status{types.StatusRouting, types.StatusBuilding, types.StatusSubmitted} {
		applied, err := f.store.UpdateOrderStatus(context.Background(), "o1", s, swap.Update{})
		require.NoError(t, err)
		require.True(t, applied)
	}

	w := watch(t, f.bus, "o1")
	job.Attempt = 2
	res := f.orch.Handle(context.Background(), job)
	require.Equal(t, queue.KindAck, res.Kind, "%v", res.Err)
	assert.Equal(t, fullRun, w.statuses())

	o := f.order(t, "o1")
	assert.Equal(t, types.StatusConfirmed, o.Status)
	assert.Zero(t, o.Attempts)
}

func TestHandle_PublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	job := f.seed(t, "o1")

	done := make(chan queue.Result, 1)
	go func() { done <- f.orch.Handle(context.Background(), job) }()

	select {
	case res := <-done:
		assert.Equal(t, queue.KindAck, res.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator blocked publishing to an empty topic")
	}
}

func TestHandle_PublishFailureDoesNotFailJob(t *testing.T) {
	f := newFixture(t)
	pub := &failingPublisher{}
	f.orch = New(Options{Store: f.store, Router: f.router, Executor: f.executor, Publisher: pub})
	job := f.seed(t, "o1")

	res := f.orch.Handle(context.Background(), job)
	assert.Equal(t, queue.KindAck, res.Kind)
	assert.EqualValues(t, len(fullRun), pub.calls.Load())
	assert.Equal(t, types.StatusConfirmed, f.order(t, "o1").Status)
}

func TestHandle_TransientPersistenceErrorsAreRetriedLocally(t *testing.T) {
	f := newFixture(t)
	store := &flakyStore{Database: f.store}
	store.failures.Store(2)
	f.orch = New(Options{
		Store:          store,
		Router:         f.router,
		Executor:       f.executor,
		Publisher:      f.bus,
		PersistBackoff: queue.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
	})
	job := f.seed(t, "o1")

	res := f.orch.Handle(context.Background(), job)
	assert.Equal(t, queue.KindAck, res.Kind, "%v", res.Err)

	// beyond the local budget the step surfaces as retryable
	job2 := f.seed(t, "o2")
	store.failures.Store(3)
	res = f.orch.Handle(context.Background(), job2)
	assert.Equal(t, queue.KindRetryable, res.Kind)
	var pe *swap.PersistenceError
	assert.ErrorAs(t, res.Err, &pe)
	assert.Equal(t, types.StatusPending, f.order(t, "o2").Status)
}

func TestQueue_AttemptsStopAtCap(t *testing.T) {
	f := newFixture(t)
	f.executor.results = []error{errors.New("rejected"), errors.New("rejected"), errors.New("rejected"), errors.New("rejected")}

	db := f.store.DB()
	q := queue.New(queue.Options{DB: db, MaxAttempts: 3, Backoff: queue.Backoff{Base: time.Nanosecond, Max: time.Nanosecond}})
	payload := types.SwapParams{OrderID: "o1", TokenIn: usdcMint, TokenOut: bonkMint, AmountIn: decimal.NewFromInt(100_000), SlippageBps: 50}
	f.seed(t, "o1")
	job, err := q.Enqueue(context.Background(), "o1", payload)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		time.Sleep(2 * time.Millisecond)
		_, err := q.RunOnce(context.Background(), f.orch)
		require.NoError(t, err)
	}

	stored, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDead, stored.State)
	assert.Equal(t, 3, f.executor.count())

	o := f.order(t, "o1")
	assert.Equal(t, types.StatusFailed, o.Status)
	assert.Equal(t, 3, o.Attempts)
}

type collectingConn struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *collectingConn) ID() string { return "conn-1" }

func (c *collectingConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, payload)
	return nil
}

func TestEndToEnd_SimulationMode(t *testing.T) {
	f := newFixture(t)
	raydium, err := venue.NewMockVenue("raydium")
	require.NoError(t, err)
	meteora, err := venue.NewMockVenue("meteora")
	require.NoError(t, err)
	router := routing.New(routing.Options{
		Venues:     []venue.Venue{raydium, meteora},
		Simulation: true,
	})
	signer, err := venue.NewKeypairSigner("")
	require.NoError(t, err)
	executor := execution.New(execution.Options{
		Venues:  router,
		Signer:  signer,
		Wrapper: venue.NewLedgerWrapper(),
	})
	f.orch = New(Options{Store: f.store, Router: router, Executor: executor, Publisher: f.bus})

	registry := subscription.NewRegistry(f.bus, nil)
	conn := &collectingConn{}
	require.NoError(t, registry.Subscribe(context.Background(), "sim-1", conn))

	require.NoError(t, f.store.InsertOrder(context.Background(), &types.Order{
		OrderID:     "sim-1",
		TokenIn:     venue.NativeMint,
		TokenOut:    usdcMint,
		AmountIn:    decimal.NewFromInt(1_000_000),
		SlippageBps: 50,
	}))
	payload, err := json.Marshal(types.SwapParams{
		OrderID:     "sim-1",
		TokenIn:     venue.NativeMint,
		TokenOut:    usdcMint,
		AmountIn:    decimal.NewFromInt(1_000_000),
		SlippageBps: 50,
	})
	require.NoError(t, err)

	res := f.orch.Handle(context.Background(), queue.Job{ID: "j", OrderID: "sim-1", Payload: string(payload), Attempt: 1, MaxAttempts: 3})
	require.Equal(t, queue.KindAck, res.Kind, "%v", res.Err)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.msgs, len(fullRun))

	var building, confirmed types.LifecycleEvent
	require.NoError(t, json.Unmarshal(conn.msgs[2], &building))
	require.NoError(t, json.Unmarshal(conn.msgs[4], &confirmed))

	assert.Equal(t, "simulated", building.Meta["quoteSource"])
	assert.Equal(t, "994900", building.Meta["expectedOut"])

	assert.Equal(t, types.StatusConfirmed, confirmed.Status)
	assert.True(t, venue.IsSimulatedTx(confirmed.TxHash), confirmed.TxHash)
	out, err := decimal.NewFromString(confirmed.ExecutedOut)
	require.NoError(t, err)
	assert.True(t, out.GreaterThanOrEqual(decimal.NewFromInt(990_000)), out.String())
	assert.True(t, out.LessThanOrEqual(decimal.NewFromInt(994_900)), out.String())
}
