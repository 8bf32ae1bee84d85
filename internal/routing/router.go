// Package routing fans a quote request out to every configured venue and picks the
// best offer.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-swap/internal/observability"
	"github.com/ksred/klear-swap/internal/venue"
)

// ErrNoQuoteAvailable is returned when no venue produced a quote and outage fallback
// is disabled.
var ErrNoQuoteAvailable = errors.New("no quote available from any venue")

// Options for creating a Router.
type Options struct {
	// Venues in priority order; earlier venues win ties.
	Venues []venue.Venue

	// Simulation returns a synthetic quote without querying venues.
	Simulation bool
	// FallbackOnOutage returns a synthetic quote routed to the first venue when no
	// venue answered. Independent of Simulation.
	FallbackOnOutage bool

	QuoteTimeout time.Duration
	Breaker      BreakerConfig
	Metrics      *observability.Metrics
}

// Router aggregates venue quotes.
type Router struct {
	venues           []venue.Venue
	breakers         []*breaker
	simulation       bool
	fallbackOnOutage bool
	quoteTimeout     time.Duration
	metrics          *observability.Metrics
}

// New creates a Router.
func New(opts Options) *Router {
	if opts.QuoteTimeout <= 0 {
		opts.QuoteTimeout = 2 * time.Second
	}
	if opts.Breaker.FailureThreshold <= 0 {
		opts.Breaker = DefaultBreakerConfig()
	}

	breakers := make([]*breaker, len(opts.Venues))
	for i, v := range opts.Venues {
		breakers[i] = newBreaker(v.ID(), opts.Breaker)
	}

	return &Router{
		venues:           opts.Venues,
		breakers:         breakers,
		simulation:       opts.Simulation,
		fallbackOnOutage: opts.FallbackOnOutage,
		quoteTimeout:     opts.QuoteTimeout,
		metrics:          opts.Metrics,
	}
}

// Venue looks up a configured venue by id.
func (r *Router) Venue(id string) (venue.Venue, bool) {
	for _, v := range r.venues {
		if v.ID() == id {
			return v, true
		}
	}
	return nil, false
}

// Simulation reports whether the router runs in simulation mode.
func (r *Router) Simulation() bool {
	return r.simulation
}

// venueResult is one venue's contribution, kept at the venue's priority index.
type venueResult struct {
	quote venue.Quote
	ok    bool
}

// BestQuote returns the highest-output quote for req.
// Every venue is queried concurrently under its own timeout; a failing venue only
// removes itself from the selection. Ties go to the earliest configured venue.
func (r *Router) BestQuote(ctx context.Context, req venue.QuoteRequest) (venue.Quote, error) {
	logger := log.With().
		Str("component", "router").
		Str("token_in", req.TokenIn).
		Str("token_out", req.TokenOut).
		Str("amount_in", req.AmountIn.String()).
		Logger()

	if r.simulation {
		q := venue.SyntheticQuote(venue.SimulatedVenueID, venue.SourceSimulated, req.AmountIn)
		r.metrics.QuoteSelected(q.VenueID, string(q.Source))
		logger.Debug().Str("output", q.Output.String()).Msg("simulation mode, synthetic quote")
		return q, nil
	}

	results := make([]venueResult, len(r.venues))
	var wg sync.WaitGroup
	for i := range r.venues {
		if !r.breakers[i].Allow() {
			logger.Debug().Str("venue", r.venues[i].ID()).Msg("venue skipped, breaker open")
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.queryVenue(ctx, i, req)
		}(i)
	}
	wg.Wait()

	best, found := selectBest(results)
	if found {
		r.metrics.QuoteSelected(best.VenueID, string(best.Source))
		logger.Info().
			Str("venue", best.VenueID).
			Str("output", best.Output.String()).
			Msg("best quote selected")
		return best, nil
	}

	if r.fallbackOnOutage && len(r.venues) > 0 {
		q := venue.SyntheticQuote(r.venues[0].ID(), venue.SourceFallback, req.AmountIn)
		q.Payload = map[string]any{"reason": "no_venue_quote"}
		r.metrics.QuoteSelected(q.VenueID, string(q.Source))
		logger.Warn().
			Str("venue", q.VenueID).
			Str("output", q.Output.String()).
			Msg("no venue quoted, using fallback quote")
		return q, nil
	}

	logger.Error().Int("venues", len(r.venues)).Msg("no venue quoted")
	return venue.Quote{}, ErrNoQuoteAvailable
}

func (r *Router) queryVenue(ctx context.Context, i int, req venue.QuoteRequest) venueResult {
	v := r.venues[i]
	br := r.breakers[i]
	defer func() { r.metrics.SetBreakerState(v.ID(), int(br.State())) }()

	qctx, cancel := context.WithTimeout(ctx, r.quoteTimeout)
	defer cancel()

	start := time.Now()
	q, err := v.Quote(qctx, req)
	took := time.Since(start)

	if err == nil {
		q, err = normalize(v.ID(), q)
	}
	if err != nil {
		br.RecordFailure()
		r.metrics.ObserveQuote(v.ID(), "error", took)
		log.Warn().Err(err).Str("venue", v.ID()).Dur("took", took).Msg("venue quote failed")
		return venueResult{}
	}

	br.RecordSuccess()
	r.metrics.ObserveQuote(v.ID(), "ok", took)
	return venueResult{quote: q, ok: true}
}

// normalize converts a venue quote into base units of tokenOut and rejects outputs
// that cannot be compared.
func normalize(venueID string, q venue.Quote) (venue.Quote, error) {
	q.VenueID = venueID
	if q.Source == "" {
		q.Source = venue.SourceVenue
	}
	if q.OutputDecimals > 0 {
		q.Output = q.Output.Shift(q.OutputDecimals).Floor()
		q.OutputDecimals = 0
	}
	if !q.Output.Equal(q.Output.Truncate(0)) {
		return venue.Quote{}, fmt.Errorf("%w: fractional base-unit output %s", venue.ErrVenueUnavailable, q.Output)
	}
	if !q.Output.GreaterThan(decimal.Zero) {
		return venue.Quote{}, fmt.Errorf("%w: non-positive output %s", venue.ErrVenueUnavailable, q.Output)
	}
	if q.QuotedAt.IsZero() {
		q.QuotedAt = time.Now().UTC()
	}
	return q, nil
}

// selectBest picks the maximum output; the first index wins ties.
func selectBest(results []venueResult) (venue.Quote, bool) {
	var best venue.Quote
	found := false
	for _, res := range results {
		if !res.ok {
			continue
		}
		if !found || res.quote.Output.GreaterThan(best.Output) {
			best = res.quote
			found = true
		}
	}
	return best, found
}
