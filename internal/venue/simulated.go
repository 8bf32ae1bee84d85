package venue

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

// SimulatedVenueID names the venue that settles simulated fills.
const SimulatedVenueID = "simulated"

// SimulatedTxPrefix marks transaction ids that never touched a chain.
const SimulatedTxPrefix = "SIM-"

// maxSimulatedDriftBps bounds how far a simulated fill lands below its quote.
const maxSimulatedDriftBps = 49

// SimulatedVenue settles swaps without a chain. Its fills land at most 0.49% below the
// synthetic quote and carry a SIM- transaction id.
type SimulatedVenue struct {
	Latency time.Duration
}

// ID returns the simulated venue id.
func (v *SimulatedVenue) ID() string {
	return SimulatedVenueID
}

// Quote returns the synthetic quote.
func (v *SimulatedVenue) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	return SyntheticQuote(SimulatedVenueID, SourceSimulated, req.AmountIn), nil
}

// Execute produces a simulated fill.
func (v *SimulatedVenue) Execute(ctx context.Context, req ExecuteRequest) (ExecutionResult, error) {
	if v.Latency > 0 {
		select {
		case <-ctx.Done():
			return ExecutionResult{}, ctx.Err()
		case <-time.After(v.Latency):
		}
	}

	drift, err := rand.Int(rand.Reader, big.NewInt(maxSimulatedDriftBps+1))
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("random drift: %w", err)
	}
	executed := ApplyBps(req.Quote.Output, BpsDenominator-drift.Int64())
	if executed.LessThan(req.MinOut) {
		return ExecutionResult{}, fmt.Errorf("%w: got %s, min %s", ErrSlippageExceeded, executed, req.MinOut)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return ExecutionResult{}, fmt.Errorf("random tx id: %w", err)
	}

	return ExecutionResult{
		TxID:        SimulatedTxPrefix + base58.Encode(raw),
		ExecutedOut: executed,
		Simulated:   true,
	}, nil
}

// IsSimulatedTx reports whether txID was produced by the simulated venue.
func IsSimulatedTx(txID string) bool {
	return strings.HasPrefix(txID, SimulatedTxPrefix)
}
