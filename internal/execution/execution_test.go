package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-swap/internal/types"
	"github.com/ksred/klear-swap/internal/venue"
)

type recordingVenue struct {
	id      string
	result  venue.ExecutionResult
	err     error
	block   bool
	lastReq venue.ExecuteRequest
	leased  func() int
	openAt  int
}

func (v *recordingVenue) ID() string { return v.id }

func (v *recordingVenue) Quote(ctx context.Context, req venue.QuoteRequest) (venue.Quote, error) {
	return venue.Quote{}, errors.New("not used")
}

func (v *recordingVenue) Execute(ctx context.Context, req venue.ExecuteRequest) (venue.ExecutionResult, error) {
	v.lastReq = req
	if v.leased != nil {
		v.openAt = v.leased()
	}
	if v.block {
		<-ctx.Done()
		return venue.ExecutionResult{}, ctx.Err()
	}
	return v.result, v.err
}

type resolver map[string]venue.Venue

func (r resolver) Venue(id string) (venue.Venue, bool) {
	v, ok := r[id]
	return v, ok
}

func params(tokenIn string) types.SwapParams {
	return types.SwapParams{
		OrderID:     "order-1",
		TokenIn:     tokenIn,
		TokenOut:    "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		AmountIn:    decimal.NewFromInt(1_000_000),
		SlippageBps: 50,
	}
}

func venueQuote(id string, out int64) venue.Quote {
	return venue.Quote{VenueID: id, Output: decimal.NewFromInt(out), Source: venue.SourceVenue}
}

func newSigner(t *testing.T) venue.Signer {
	t.Helper()
	s, err := venue.NewKeypairSigner("")
	require.NoError(t, err)
	return s
}

func TestExecute_PassesSlippageBound(t *testing.T) {
	v := &recordingVenue{id: "raydium", result: venue.ExecutionResult{TxID: "tx", ExecutedOut: decimal.NewFromInt(99_800)}}
	e := New(Options{Venues: resolver{"raydium": v}, Signer: newSigner(t)})

	res, err := e.Execute(context.Background(), params("A"), venueQuote("raydium", 100_000))
	require.NoError(t, err)
	assert.Equal(t, "tx", res.TxID)
	// 100000 * 9950 / 10000
	assert.Equal(t, "99500", v.lastReq.MinOut.String())
	assert.Empty(t, v.lastReq.WrappedAccount)
}

func TestExecute_VenueRejectionIsExecutionError(t *testing.T) {
	v := &recordingVenue{id: "raydium", err: venue.ErrExecutionRejected}
	e := New(Options{Venues: resolver{"raydium": v}})

	_, err := e.Execute(context.Background(), params("A"), venueQuote("raydium", 100))

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "raydium", execErr.VenueID)
	assert.ErrorIs(t, err, venue.ErrExecutionRejected)
}

func TestExecute_ReportedFillBelowMinimumFails(t *testing.T) {
	v := &recordingVenue{id: "raydium", result: venue.ExecutionResult{TxID: "tx", ExecutedOut: decimal.NewFromInt(10)}}
	e := New(Options{Venues: resolver{"raydium": v}})

	_, err := e.Execute(context.Background(), params("A"), venueQuote("raydium", 100_000))
	assert.ErrorIs(t, err, venue.ErrSlippageExceeded)
}

func TestExecute_NativeLeaseReleasedOnEveryPath(t *testing.T) {
	wrapper := venue.NewLedgerWrapper()

	ok := &recordingVenue{id: "ok", leased: wrapper.Open, result: venue.ExecutionResult{TxID: "tx", ExecutedOut: decimal.NewFromInt(100)}}
	bad := &recordingVenue{id: "bad", leased: wrapper.Open, err: venue.ErrExecutionRejected}
	e := New(Options{Venues: resolver{"ok": ok, "bad": bad}, Signer: newSigner(t), Wrapper: wrapper})

	_, err := e.Execute(context.Background(), params(venue.NativeMint), venueQuote("ok", 100))
	require.NoError(t, err)
	assert.Equal(t, 1, ok.openAt, "lease must be held during the swap")
	assert.NotEmpty(t, ok.lastReq.WrappedAccount)
	assert.Equal(t, 0, wrapper.Open())

	_, err = e.Execute(context.Background(), params(venue.NativeMint), venueQuote("bad", 100))
	require.Error(t, err)
	assert.Equal(t, 1, bad.openAt)
	assert.Equal(t, 0, wrapper.Open())
}

func TestExecute_ConfirmationTimeout(t *testing.T) {
	v := &recordingVenue{id: "stuck", block: true}
	e := New(Options{Venues: resolver{"stuck": v}, ConfirmTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := e.Execute(context.Background(), params("A"), venueQuote("stuck", 100))
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecute_UnknownVenue(t *testing.T) {
	e := New(Options{Venues: resolver{}})
	_, err := e.Execute(context.Background(), params("A"), venueQuote("ghost", 100))

	var execErr *ExecutionError
	assert.ErrorAs(t, err, &execErr)
}

func TestExecute_SimulatedQuoteUsesSimulator(t *testing.T) {
	e := New(Options{})
	q := venue.SyntheticQuote(venue.SimulatedVenueID, venue.SourceSimulated, decimal.NewFromInt(1_000_000))

	res, err := e.Execute(context.Background(), params("A"), q)
	require.NoError(t, err)
	assert.True(t, venue.IsSimulatedTx(res.TxID))
	assert.True(t, res.ExecutedOut.GreaterThanOrEqual(decimal.NewFromInt(990_000)))
	assert.True(t, res.ExecutedOut.LessThanOrEqual(decimal.NewFromInt(994_900)))
}
