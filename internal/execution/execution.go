// Package execution runs the chosen route against its venue.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-swap/internal/types"
	"github.com/ksred/klear-swap/internal/venue"
)

// ErrConfirmationTimeout is returned when a swap did not settle within the
// confirmation window.
var ErrConfirmationTimeout = errors.New("confirmation timeout")

// ExecutionError reports a failed swap on the chosen venue.
type ExecutionError struct {
	VenueID string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution on %s failed: %v", e.VenueID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// VenueResolver finds a configured venue by id.
type VenueResolver interface {
	Venue(id string) (venue.Venue, bool)
}

// Options for creating an Executor.
type Options struct {
	Venues    VenueResolver
	Simulator venue.Venue
	Signer    venue.Signer
	Wrapper   venue.NativeWrapper
	// ConfirmTimeout bounds one execution; an expired swap is reported as failed.
	ConfirmTimeout time.Duration
}

// Executor invokes the chosen venue's Execute.
type Executor struct {
	venues         VenueResolver
	simulator      venue.Venue
	signer         venue.Signer
	wrapper        venue.NativeWrapper
	confirmTimeout time.Duration
}

// New creates an Executor.
func New(opts Options) *Executor {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 30 * time.Second
	}
	if opts.Simulator == nil {
		opts.Simulator = &venue.SimulatedVenue{}
	}
	return &Executor{
		venues:         opts.Venues,
		simulator:      opts.Simulator,
		signer:         opts.Signer,
		wrapper:        opts.Wrapper,
		confirmTimeout: opts.ConfirmTimeout,
	}
}

// Execute settles params along quote. Any failure is an *ExecutionError.
// Parameters:
//   - params: the order being executed
//   - quote: the route picked by the router
func (e *Executor) Execute(ctx context.Context, params types.SwapParams, quote venue.Quote) (venue.ExecutionResult, error) {
	logger := log.With().
		Str("component", "executor").
		Str("order_id", params.OrderID).
		Str("venue", quote.VenueID).
		Str("quote_source", string(quote.Source)).
		Logger()

	v, err := e.resolve(quote)
	if err != nil {
		return venue.ExecutionResult{}, &ExecutionError{VenueID: quote.VenueID, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	req := venue.ExecuteRequest{
		Quote:    quote,
		TokenIn:  params.TokenIn,
		TokenOut: params.TokenOut,
		AmountIn: params.AmountIn,
		MinOut:   venue.ApplyBps(quote.Output, int64(venue.BpsDenominator-params.SlippageBps)),
		Signer:   e.signer,
	}

	if params.TokenIn == venue.NativeMint && e.wrapper != nil && e.signer != nil {
		lease, err := e.wrapper.Wrap(ctx, e.signer.PublicKey(), params.AmountIn)
		if err != nil {
			return venue.ExecutionResult{}, &ExecutionError{VenueID: quote.VenueID, Err: fmt.Errorf("wrap native input: %w", err)}
		}
		defer func() {
			// the swap context may already be expired; release on a fresh one
			rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer rcancel()
			if err := lease.Release(rctx); err != nil {
				logger.Error().Err(err).Str("account", lease.Account()).Msg("failed to release wrapped account")
			}
		}()
		req.WrappedAccount = lease.Account()
		logger.Debug().Str("account", lease.Account()).Msg("native input wrapped")
	}

	logger.Info().
		Str("expected_out", quote.Output.String()).
		Str("min_out", req.MinOut.String()).
		Msg("executing swap")

	res, err := v.Execute(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", ErrConfirmationTimeout, e.confirmTimeout, err)
		}
		logger.Warn().Err(err).Msg("swap execution failed")
		return venue.ExecutionResult{}, &ExecutionError{VenueID: v.ID(), Err: err}
	}
	if res.ExecutedOut.LessThan(req.MinOut) {
		err := fmt.Errorf("%w: venue reported %s, min %s", venue.ErrSlippageExceeded, res.ExecutedOut, req.MinOut)
		return venue.ExecutionResult{}, &ExecutionError{VenueID: v.ID(), Err: err}
	}

	logger.Info().
		Str("tx_id", res.TxID).
		Str("executed_out", res.ExecutedOut.String()).
		Bool("simulated", res.Simulated).
		Msg("swap executed")

	return res, nil
}

func (e *Executor) resolve(quote venue.Quote) (venue.Venue, error) {
	if quote.Source == venue.SourceSimulated {
		return e.simulator, nil
	}
	if e.venues == nil {
		return nil, fmt.Errorf("no venues configured")
	}
	v, ok := e.venues.Venue(quote.VenueID)
	if !ok {
		return nil, fmt.Errorf("unknown venue %q", quote.VenueID)
	}
	return v, nil
}
