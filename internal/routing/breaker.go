package routing

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation
	BreakerOpen                         // Failing, venue skipped
	BreakerHalfOpen                     // Trying recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds configuration for a venue circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Successes in half-open before closing
	Cooldown         time.Duration // Time open before probing
}

// DefaultBreakerConfig returns the breaker settings used when none are given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// breaker isolates a venue that keeps failing so the router stops waiting on it.
// Safe for concurrent use.
type breaker struct {
	venue string
	cfg   BreakerConfig
	now   func() time.Time

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	successCount int
	openedAt     time.Time
	// half-open admits one quote at a time until it is recorded
	trialInFlight bool
}

func newBreaker(venue string, cfg BreakerConfig) *breaker {
	return &breaker{venue: venue, cfg: cfg, now: time.Now}
}

// Allow reports whether the venue should be queried.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
			b.state = BreakerHalfOpen
			b.successCount = 0
			b.trialInFlight = true
			log.Info().Str("venue", b.venue).Msg("venue breaker half-open")
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful quote.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false

	switch b.state {
	case BreakerClosed:
		b.failureCount = 0
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failureCount = 0
			b.successCount = 0
			log.Info().Str("venue", b.venue).Msg("venue breaker closed")
		}
	}
}

// RecordFailure records a failed quote.
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false

	switch b.state {
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
			log.Warn().Str("venue", b.venue).Int("failures", b.failureCount).Msg("venue breaker open")
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.successCount = 0
		log.Warn().Str("venue", b.venue).Msg("venue breaker re-opened after failed trial quote")
	}
}

// State returns the current state.
func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
