package queue

import (
	"context"
	"time"
)

// Backoff is exponential: Base * 2^n, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff schedules redelivery of a retryable job.
var DefaultBackoff = Backoff{Base: time.Second, Max: 60 * time.Second}

// Delay returns the wait before retry n (0-based). Negative n yields Base.
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		return b.Base
	}
	// 2^30 * any positive base already exceeds every sensible cap
	if n > 30 {
		return b.Max
	}
	d := b.Base * time.Duration(1<<n)
	if d > b.Max || d <= 0 {
		return b.Max
	}
	return d
}

// Retry calls fn up to attempts times, sleeping Delay(i) between failures. It stops
// early when ctx is done.
func (b Backoff) Retry(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(b.Delay(i))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
