package venue

import (
	"context"
	"crypto/rand"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

// MockVenue simulates an AMM venue with latency, partial availability and a fee.
// Quotes assume a 1:1 pool price adjusted by fee and a bounded random spread.
type MockVenue struct {
	VenueID      string
	Name         string
	MinLatency   time.Duration
	MaxLatency   time.Duration
	Availability float64 // 0-1, probability that a quote call succeeds
	SuccessRate  float64 // 0-1, probability that an execution lands
	FeeBps       int
	SpreadBps    int // maximum random deviation applied to quotes and fills

	mu  sync.Mutex
	rng *mrand.Rand
}

var defaultMockVenues = map[string]mockProfile{
	"raydium": {
		VenueID:      "raydium",
		Name:         "Raydium AMM v4",
		MinLatency:   20 * time.Millisecond,
		MaxLatency:   120 * time.Millisecond,
		Availability: 0.97,
		SuccessRate:  0.95,
		FeeBps:       25,
		SpreadBps:    30,
	},
	"meteora": {
		VenueID:      "meteora",
		Name:         "Meteora DLMM",
		MinLatency:   30 * time.Millisecond,
		MaxLatency:   200 * time.Millisecond,
		Availability: 0.93,
		SuccessRate:  0.92,
		FeeBps:       20,
		SpreadBps:    40,
	},
	"orca": {
		VenueID:      "orca",
		Name:         "Orca Whirlpool",
		MinLatency:   25 * time.Millisecond,
		MaxLatency:   150 * time.Millisecond,
		Availability: 0.95,
		SuccessRate:  0.94,
		FeeBps:       30,
		SpreadBps:    25,
	},
}

type mockProfile struct {
	VenueID      string
	Name         string
	MinLatency   time.Duration
	MaxLatency   time.Duration
	Availability float64
	SuccessRate  float64
	FeeBps       int
	SpreadBps    int
}

// NewMockVenue returns a preconfigured mock venue by id.
func NewMockVenue(id string) (*MockVenue, error) {
	tmpl, ok := defaultMockVenues[id]
	if !ok {
		return nil, fmt.Errorf("unknown venue %q", id)
	}
	return &MockVenue{
		VenueID:      tmpl.VenueID,
		Name:         tmpl.Name,
		MinLatency:   tmpl.MinLatency,
		MaxLatency:   tmpl.MaxLatency,
		Availability: tmpl.Availability,
		SuccessRate:  tmpl.SuccessRate,
		FeeBps:       tmpl.FeeBps,
		SpreadBps:    tmpl.SpreadBps,
		rng:          mrand.New(mrand.NewSource(time.Now().UnixNano())),
	}, nil
}

// ID returns the venue id.
func (v *MockVenue) ID() string {
	return v.VenueID
}

// Quote simulates a quote round trip.
func (v *MockVenue) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	logger := log.With().
		Str("venue", v.VenueID).
		Str("token_in", req.TokenIn).
		Str("token_out", req.TokenOut).
		Str("amount_in", req.AmountIn.String()).
		Logger()

	if err := v.sleep(ctx); err != nil {
		return Quote{}, fmt.Errorf("%w: %s: %v", ErrVenueUnavailable, v.VenueID, err)
	}

	if v.float() > v.Availability {
		logger.Debug().Float64("availability", v.Availability).Msg("quote unavailable")
		return Quote{}, fmt.Errorf("%w: %s", ErrVenueUnavailable, v.VenueID)
	}

	keep := int64(BpsDenominator - v.FeeBps - v.intn(v.SpreadBps+1))
	out := ApplyBps(req.AmountIn, keep)
	feeAmount := req.AmountIn.Sub(ApplyBps(req.AmountIn, int64(BpsDenominator-v.FeeBps)))

	logger.Debug().Str("output", out.String()).Msg("quote produced")

	return Quote{
		VenueID: v.VenueID,
		Output:  out,
		Fee:     Fee{Bps: v.FeeBps, Amount: feeAmount},
		Source:  SourceVenue,
		Payload: map[string]any{
			"name":      v.Name,
			"keepBps":   keep,
			"spreadBps": v.SpreadBps,
		},
		QuotedAt: time.Now().UTC(),
	}, nil
}

// Execute simulates settling a swap against the quoted route.
func (v *MockVenue) Execute(ctx context.Context, req ExecuteRequest) (ExecutionResult, error) {
	logger := log.With().
		Str("venue", v.VenueID).
		Str("expected_out", req.Quote.Output.String()).
		Str("min_out", req.MinOut.String()).
		Logger()

	logger.Info().Msg("attempting to execute swap")

	if err := v.sleep(ctx); err != nil {
		return ExecutionResult{}, err
	}

	if v.float() > v.SuccessRate {
		logger.Warn().Float64("success_rate", v.SuccessRate).Msg("swap execution failed on venue")
		return ExecutionResult{}, fmt.Errorf("%w: %s", ErrExecutionRejected, v.VenueID)
	}

	// fills drift below the quote by up to the venue spread
	executed := ApplyBps(req.Quote.Output, int64(BpsDenominator-v.intn(v.SpreadBps+1)))
	if executed.LessThan(req.MinOut) {
		logger.Warn().Str("executed_out", executed.String()).Msg("fill below minimum output")
		return ExecutionResult{}, fmt.Errorf("%w: got %s, min %s", ErrSlippageExceeded, executed, req.MinOut)
	}

	txID, err := randomSignature()
	if err != nil {
		return ExecutionResult{}, err
	}

	logger.Info().
		Str("tx_id", txID).
		Str("executed_out", executed.String()).
		Msg("swap executed successfully on venue")

	return ExecutionResult{TxID: txID, ExecutedOut: executed}, nil
}

func (v *MockVenue) sleep(ctx context.Context) error {
	latency := v.MinLatency
	if spread := v.MaxLatency - v.MinLatency; spread > 0 {
		latency += time.Duration(v.int63n(int64(spread) + 1))
	}

	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (v *MockVenue) float() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rng.Float64()
}

func (v *MockVenue) intn(n int) int {
	if n <= 0 {
		return 0
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rng.Intn(n)
}

func (v *MockVenue) int63n(n int64) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rng.Int63n(n)
}

// randomSignature returns a base58 string shaped like a transaction signature.
func randomSignature() (string, error) {
	sig := make([]byte, 64)
	if _, err := rand.Read(sig); err != nil {
		return "", fmt.Errorf("random signature: %w", err)
	}
	return base58.Encode(sig), nil
}

// compile-time interface checks
var (
	_ Venue = (*MockVenue)(nil)
	_ Venue = (*SimulatedVenue)(nil)
)
