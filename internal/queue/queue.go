// Package queue is a durable job queue on top of gorm. Several processes may run
// workers against the same table; claims are optimistic.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-swap/internal/observability"
)

// Kind classifies the outcome of a handler run.
type Kind int

const (
	KindAck Kind = iota
	KindRetryable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Result is what a handler tells the queue about a delivery.
type Result struct {
	Kind Kind
	Err  error
}

// Ack marks the job completed.
func Ack() Result { return Result{Kind: KindAck} }

// Retryable requeues the job with backoff until its attempts run out.
func Retryable(err error) Result { return Result{Kind: KindRetryable, Err: err} }

// Fatal moves the job to dead without retrying.
func Fatal(err error) Result { return Result{Kind: KindFatal, Err: err} }

// Handler processes one delivery of a job.
type Handler interface {
	Handle(ctx context.Context, job Job) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) Result

func (f HandlerFunc) Handle(ctx context.Context, job Job) Result {
	return f(ctx, job)
}

type Options struct {
	DB                *gorm.DB
	Concurrency       int
	MaxAttempts       int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	JanitorInterval   time.Duration
	Backoff           Backoff
	Metrics           *observability.Metrics
}

type Queue struct {
	db                *gorm.DB
	concurrency       int
	maxAttempts       int
	pollInterval      time.Duration
	visibilityTimeout time.Duration
	janitorInterval   time.Duration
	backoff           Backoff
	metrics           *observability.Metrics
	now               func() time.Time
	logger            zerolog.Logger
}

// New creates a queue. Zero options take the service defaults.
func New(opts Options) *Queue {
	q := &Queue{
		db:                opts.DB,
		concurrency:       opts.Concurrency,
		maxAttempts:       opts.MaxAttempts,
		pollInterval:      opts.PollInterval,
		visibilityTimeout: opts.VisibilityTimeout,
		janitorInterval:   opts.JanitorInterval,
		backoff:           opts.Backoff,
		metrics:           opts.Metrics,
		now:               func() time.Time { return time.Now().UTC() },
		logger:            log.With().Str("component", "queue").Logger(),
	}
	if q.concurrency <= 0 {
		q.concurrency = 10
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 3
	}
	if q.pollInterval <= 0 {
		q.pollInterval = 200 * time.Millisecond
	}
	if q.visibilityTimeout <= 0 {
		q.visibilityTimeout = 2 * time.Minute
	}
	if q.janitorInterval <= 0 {
		q.janitorInterval = 30 * time.Second
	}
	if q.backoff == (Backoff{}) {
		q.backoff = DefaultBackoff
	}
	return q
}

// Enqueue stores a new job for orderID, due immediately.
func (q *Queue) Enqueue(ctx context.Context, orderID string, payload any) (*Job, error) {
	return q.EnqueueTx(ctx, q.db, orderID, payload)
}

// EnqueueTx is Enqueue inside the caller's transaction.
func (q *Queue) EnqueueTx(ctx context.Context, tx *gorm.DB, orderID string, payload any) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}

	now := q.now()
	job := &Job{
		ID:          uuid.New().String(),
		OrderID:     orderID,
		Payload:     string(body),
		MaxAttempts: q.maxAttempts,
		State:       StateQueued,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("enqueue job for order %s: %w", orderID, err)
	}

	q.metrics.JobEnqueued()
	q.logger.Debug().Str("job_id", job.ID).Str("order_id", orderID).Msg("Job enqueued")
	return job, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := q.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return nil, fmt.Errorf("fetch job %s: %w", id, err)
	}
	return &job, nil
}

// Counts returns the number of jobs in each state.
func (q *Queue) Counts(ctx context.Context) (map[State]int64, error) {
	var rows []struct {
		State State
		N     int64
	}
	err := q.db.WithContext(ctx).Model(&Job{}).
		Select("state, count(*) AS n").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	counts := make(map[State]int64, len(rows))
	for _, r := range rows {
		counts[r.State] = r.N
	}
	return counts, nil
}

// Run starts the workers and the janitor and blocks until ctx is done. Cancelling
// ctx stops new claims; handlers already running finish with a context that is not
// cancelled, and Run returns once they have.
func (q *Queue) Run(ctx context.Context, h Handler) {
	q.logger.Info().
		Int("workers", q.concurrency).
		Int("max_attempts", q.maxAttempts).
		Msg("Starting job queue")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.runJanitor(ctx)
	}()

	for i := 0; i < q.concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.work(ctx, worker, h)
		}(i)
	}

	wg.Wait()
	q.logger.Info().Msg("Job queue stopped")
}

func (q *Queue) work(ctx context.Context, worker int, h Handler) {
	logger := q.logger.With().Int("worker", worker).Logger()
	handlerCtx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := q.claim(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("Failed to claim job")
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.pollInterval):
			}
			continue
		}

		q.process(handlerCtx, logger, job, h)
	}
}

// RunOnce claims and processes a single due job. It reports whether a job was found.
func (q *Queue) RunOnce(ctx context.Context, h Handler) (bool, error) {
	job, err := q.claim(ctx)
	if err != nil || job == nil {
		return false, err
	}
	q.process(ctx, q.logger, job, h)
	return true, nil
}

func (q *Queue) process(ctx context.Context, logger zerolog.Logger, job *Job, h Handler) {
	jobLogger := logger.With().
		Str("job_id", job.ID).
		Str("order_id", job.OrderID).
		Int("attempt", job.Attempt).
		Logger()

	start := time.Now()
	res := q.safeHandle(ctx, jobLogger, *job, h)
	q.metrics.ObserveJob(res.Kind.String(), time.Since(start))

	if err := q.finish(ctx, job, res); err != nil {
		// the janitor redelivers the job once its claim goes stale
		jobLogger.Error().Err(err).Msg("Failed to record job outcome")
	}
}

func (q *Queue) safeHandle(ctx context.Context, logger zerolog.Logger, job Job, h Handler) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Job handler panicked")
			res = Retryable(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h.Handle(ctx, job)
}

// claim takes the oldest due job. Losing the race to another worker is not an error;
// it returns nil and the caller polls again.
func (q *Queue) claim(ctx context.Context) (*Job, error) {
	now := q.now()

	var job Job
	err := q.db.WithContext(ctx).
		Where("state = ? AND run_at <= ?", StateQueued, now).
		Order("run_at").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find due job: %w", err)
	}

	token := uuid.New().String()
	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND state = ?", job.ID, StateQueued).
		Updates(map[string]interface{}{
			"state":      StateActive,
			"locked_at":  now,
			"lock_token": token,
			"attempt":    gorm.Expr("attempt + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("claim job %s: %w", job.ID, res.Error)
	}
	if res.RowsAffected != 1 {
		return nil, nil
	}

	job.State = StateActive
	job.LockedAt = &now
	job.LockToken = token
	job.Attempt++
	return &job, nil
}

// finish records the outcome of a delivery. The lock token guard keeps a worker whose
// claim was reclaimed by the janitor from overwriting the new delivery.
func (q *Queue) finish(ctx context.Context, job *Job, res Result) error {
	now := q.now()
	updates := map[string]interface{}{
		"locked_at":  nil,
		"lock_token": "",
		"updated_at": now,
	}
	if res.Err != nil {
		msg := res.Err.Error()
		updates["last_error"] = msg
	}

	logger := q.logger.With().Str("job_id", job.ID).Str("order_id", job.OrderID).Int("attempt", job.Attempt).Logger()

	switch {
	case res.Kind == KindAck:
		updates["state"] = StateCompleted
		updates["last_error"] = nil
		logger.Debug().Msg("Job completed")
	case res.Kind == KindRetryable && !job.Final():
		delay := q.backoff.Delay(job.Attempt - 1)
		updates["state"] = StateQueued
		updates["run_at"] = now.Add(delay)
		logger.Warn().Err(res.Err).Dur("retry_in", delay).Msg("Job failed, retry scheduled")
	case res.Kind == KindFatal:
		updates["state"] = StateDead
		logger.Error().Err(res.Err).Msg("Job rejected as unprocessable")
	default:
		updates["state"] = StateDead
		logger.Error().Err(res.Err).Int("max_attempts", job.MaxAttempts).Msg("Job exhausted its attempts")
	}

	result := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND lock_token = ?", job.ID, job.LockToken).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("finish job %s: %w", job.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		logger.Warn().Msg("Job claim lost before completion")
	}
	return nil
}
