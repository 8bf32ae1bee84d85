package venue

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrVenueUnavailable is returned when a venue cannot produce a quote.
	ErrVenueUnavailable = errors.New("venue unavailable")
	// ErrSlippageExceeded is returned when the executed output would fall below the
	// minimum acceptable output.
	ErrSlippageExceeded = errors.New("slippage bound exceeded")
	// ErrExecutionRejected is returned when the venue refuses the swap.
	ErrExecutionRejected = errors.New("execution rejected by venue")
)

// BpsDenominator is the number of basis points in one whole.
const BpsDenominator = 10000

// SyntheticKeepBps is the share of amountIn kept by a synthetic quote (0.51% fee).
const SyntheticKeepBps = 9949

// QuoteSource tags where a quote came from.
type QuoteSource string

const (
	SourceVenue     QuoteSource = "venue"
	SourceSimulated QuoteSource = "simulated"
	SourceFallback  QuoteSource = "fallback"
)

// QuoteRequest describes a swap direction and size. Amounts are base units.
type QuoteRequest struct {
	TokenIn  string
	TokenOut string
	AmountIn decimal.Decimal
}

// Fee is the fee detail attached to a quote.
type Fee struct {
	Bps    int             `json:"bps"`
	Amount decimal.Decimal `json:"amount"` // base units of tokenIn
}

// Quote is a venue's offer for a QuoteRequest.
type Quote struct {
	VenueID string          `json:"venue"`
	Output  decimal.Decimal `json:"output"` // base units of tokenOut
	// OutputDecimals is non-zero when a venue reports Output in display units; the
	// router shifts such quotes into base units before comparing.
	OutputDecimals int32          `json:"-"`
	Fee            Fee            `json:"fee"`
	Source         QuoteSource    `json:"source"`
	Payload        map[string]any `json:"payload,omitempty"`
	QuotedAt       time.Time      `json:"quotedAt"`
}

// Snapshot renders the quote as routing info for the order record.
func (q Quote) Snapshot() map[string]any {
	snap := map[string]any{
		"venue":       q.VenueID,
		"quoteSource": string(q.Source),
		"expectedOut": q.Output.String(),
		"feeBps":      q.Fee.Bps,
		"feeAmount":   q.Fee.Amount.String(),
		"quotedAt":    q.QuotedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(q.Payload) > 0 {
		snap["payload"] = q.Payload
	}
	return snap
}

// ExecuteRequest is handed to the chosen venue.
type ExecuteRequest struct {
	Quote    Quote
	TokenIn  string
	TokenOut string
	AmountIn decimal.Decimal
	// MinOut is the lowest output the venue may settle for.
	MinOut decimal.Decimal
	Signer Signer
	// WrappedAccount is set when the native input leg was wrapped for this swap.
	WrappedAccount string
}

// ExecutionResult is what a venue reports after a settled swap.
type ExecutionResult struct {
	TxID        string          `json:"txId"`
	ExecutedOut decimal.Decimal `json:"executedOut"`
	Simulated   bool            `json:"simulated"`
}

// Venue is the capability every liquidity source exposes.
type Venue interface {
	ID() string
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
	Execute(ctx context.Context, req ExecuteRequest) (ExecutionResult, error)
}

// ApplyBps returns floor(amount * keepBps / 10000). amount must be an integer.
func ApplyBps(amount decimal.Decimal, keepBps int64) decimal.Decimal {
	q, _ := amount.Mul(decimal.NewFromInt(keepBps)).QuoRem(decimal.NewFromInt(BpsDenominator), 0)
	return q
}

// SyntheticQuote builds the formula-derived quote used in simulation mode and when no
// venue answers.
func SyntheticQuote(venueID string, source QuoteSource, amountIn decimal.Decimal) Quote {
	out := ApplyBps(amountIn, SyntheticKeepBps)
	return Quote{
		VenueID: venueID,
		Output:  out,
		Fee: Fee{
			Bps:    BpsDenominator - SyntheticKeepBps,
			Amount: amountIn.Sub(out),
		},
		Source:   source,
		QuotedAt: time.Now().UTC(),
	}
}
