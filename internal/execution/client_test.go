package execution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptohelm/cryptohelm/internal/clock"
	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/internal/store"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

func execConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		RatePerSecond:  1000,
		Circuit: config.CircuitConfig{
			Failures: 5,
			Window:   time.Second,
			Cooldown: 25 * time.Millisecond,
			Cap:      time.Second,
		},
	}
}

func execIntent(signalID string) models.OrderIntent {
	return models.OrderIntent{
		ClientID:       models.DeriveClientID(signalID, 0),
		ParentSignalID: signalID,
		Symbol:         "BTCUSDT",
		Side:           models.OrderSideBuy,
		Type:           models.OrderTypeLimit,
		Quantity:       decimal.RequireFromString("0.5"),
		LimitPrice:     decimal.NewFromInt(50000),
		TimeInForce:    models.TIFGoodTilCancel,
		CreatedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestClient(cfg config.ExecutionConfig, autoFill bool) (*Client, *PaperVenue, *store.Memory) {
	venue := NewPaperVenue(clock.New(), decimal.RequireFromString("0.001"), autoFill)
	st := store.NewMemory()
	return NewClient(venue, st, cfg, clock.New(), zerolog.Nop()), venue, st
}

func TestSubmitFillsAndPersists(t *testing.T) {
	c, venue, st := newTestClient(execConfig(), true)
	ctx := context.Background()
	intent := execIntent("sig-1")

	rec, err := c.Submit(ctx, intent)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, rec.Status)
	assert.Equal(t, "0.5", rec.FilledQty.String())
	assert.Equal(t, "50000", rec.AvgFillPrice.String())
	assert.True(t, rec.RemainingQty.IsZero())
	// taker fee charged on the fill notional
	assert.Equal(t, "25", rec.TotalFees().String())
	assert.Equal(t, 1, venue.OrderCount())

	stored, err := st.Execution(ctx, intent.ClientID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, stored.Status)
	_, err = st.Intent(ctx, intent.ClientID)
	require.NoError(t, err)
}

func TestSubmitIdempotentAcrossRestart(t *testing.T) {
	cfg := execConfig()
	venue := NewPaperVenue(clock.New(), decimal.Zero, true)
	st := store.NewMemory()
	ctx := context.Background()
	intent := execIntent("sig-1")

	first := NewClient(venue, st, cfg, clock.New(), zerolog.Nop())
	_, err := first.Submit(ctx, intent)
	require.NoError(t, err)

	// a fresh client over the same store and venue stands in for the
	// restarted process
	second := NewClient(venue, st, cfg, clock.New(), zerolog.Nop())
	rec, err := second.Submit(ctx, intent)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, rec.Status)
	assert.Equal(t, 1, venue.OrderCount())
	assert.Equal(t, 1, venue.SubmitCalls())
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	c, venue, _ := newTestClient(execConfig(), true)
	venue.FailNextSubmits(2, true)

	rec, err := c.Submit(context.Background(), execIntent("sig-1"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, rec.Status)
	assert.Equal(t, 3, venue.SubmitCalls())
}

func TestSubmitPermanentFailureIsTerminal(t *testing.T) {
	c, venue, st := newTestClient(execConfig(), true)
	venue.FailNextSubmits(1, false)
	ctx := context.Background()
	intent := execIntent("sig-1")

	rec, err := c.Submit(ctx, intent)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Equal(t, models.OrderStatusRejected, rec.Status)
	assert.Equal(t, 1, venue.SubmitCalls())

	stored, err := st.Execution(ctx, intent.ClientID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRejected, stored.Status)
	assert.NotEmpty(t, stored.RejectReason)
}

// lossyVenue creates orders normally but drops the submit responses,
// standing in for a network that eats the acknowledgement.
type lossyVenue struct {
	*PaperVenue
	dropResponses int
}

func (v *lossyVenue) Submit(ctx context.Context, intent models.OrderIntent) (models.ExecutionRecord, error) {
	rec, err := v.PaperVenue.Submit(ctx, intent)
	if err == nil && v.dropResponses > 0 {
		v.dropResponses--
		return models.ExecutionRecord{}, TransientError("submit", intent.ClientID, errResponseLost)
	}
	return rec, err
}

var errResponseLost = fmt.Errorf("response lost")

// darkVenue fails every call transiently: a venue that is fully unreachable.
type darkVenue struct {
	*PaperVenue
}

func (v *darkVenue) Submit(_ context.Context, intent models.OrderIntent) (models.ExecutionRecord, error) {
	return models.ExecutionRecord{}, TransientError("submit", intent.ClientID, errResponseLost)
}

func (v *darkVenue) Query(_ context.Context, clientID string) (models.ExecutionRecord, error) {
	return models.ExecutionRecord{}, TransientError("query", clientID, errResponseLost)
}

func TestSubmitLostResponseRecoversVenueOrder(t *testing.T) {
	cfg := execConfig()
	cfg.MaxRetries = 0 // no retry left to surface the duplicate
	paper := NewPaperVenue(clock.New(), decimal.Zero, true)
	venue := &lossyVenue{PaperVenue: paper, dropResponses: 1}
	st := store.NewMemory()
	c := NewClient(venue, st, cfg, clock.New(), zerolog.Nop())
	ctx := context.Background()
	intent := execIntent("sig-1")

	// the order exists at the venue even though every response was lost;
	// the final reconciliation must find it instead of declaring it dead
	rec, err := c.Submit(ctx, intent)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, rec.Status)
	assert.Equal(t, 1, paper.OrderCount())

	stored, err := st.Execution(ctx, intent.ClientID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, stored.Status)
}

func TestSubmitVenueOutageLeavesIntentOpen(t *testing.T) {
	cfg := execConfig()
	cfg.MaxRetries = 0
	venue := &darkVenue{PaperVenue: NewPaperVenue(clock.New(), decimal.Zero, true)}
	st := store.NewMemory()
	c := NewClient(venue, st, cfg, clock.New(), zerolog.Nop())
	ctx := context.Background()
	intent := execIntent("sig-1")

	_, err := c.Submit(ctx, intent)
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	// no terminal record is written while the venue cannot confirm the
	// order is unknown; Rehydrate picks the intent up later
	_, err = st.Execution(ctx, intent.ClientID)
	require.ErrorIs(t, err, store.ErrNotFound)
	open, err := st.OpenIntents(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, intent.ClientID, open[0].ClientID)
}

func TestRehydrateResubmitsUnknownIntent(t *testing.T) {
	// the crash window: intent persisted, submit never reached the venue
	c, venue, st := newTestClient(execConfig(), true)
	ctx := context.Background()
	intent := execIntent("sig-1")
	require.NoError(t, st.SaveIntent(ctx, intent))

	require.NoError(t, c.Rehydrate(ctx))
	assert.Equal(t, 1, venue.OrderCount())

	rec, err := st.Execution(ctx, intent.ClientID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, rec.Status)

	// a second rehydration finds the venue order and creates nothing
	require.NoError(t, c.Rehydrate(ctx))
	assert.Equal(t, 1, venue.OrderCount())
	assert.Equal(t, 1, venue.SubmitCalls())
}

func TestPartialFillThenCancelRace(t *testing.T) {
	c, venue, st := newTestClient(execConfig(), false)
	ctx := context.Background()
	intent := execIntent("sig-1")

	rec, err := c.Submit(ctx, intent)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusOpen, rec.Status)

	require.NoError(t, venue.Fill(intent.ClientID, decimal.RequireFromString("0.25"), decimal.NewFromInt(50000)))

	rec, err = c.Cancel(ctx, intent.ClientID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, rec.Status)
	assert.Equal(t, "0.25", rec.FilledQty.String())
	assert.Equal(t, "0.25", rec.RemainingQty.String())

	stored, err := st.Execution(ctx, intent.ClientID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, stored.Status)
	assert.Equal(t, "0.25", stored.FilledQty.String())
}

func TestPartialFillsRecomputeWeightedAverage(t *testing.T) {
	c, venue, _ := newTestClient(execConfig(), false)
	ctx := context.Background()
	intent := execIntent("sig-1")

	_, err := c.Submit(ctx, intent)
	require.NoError(t, err)

	require.NoError(t, venue.Fill(intent.ClientID, decimal.RequireFromString("0.25"), decimal.NewFromInt(50000)))
	require.NoError(t, venue.Fill(intent.ClientID, decimal.RequireFromString("0.25"), decimal.NewFromInt(50100)))

	rec, err := c.Query(ctx, intent.ClientID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, rec.Status)
	assert.Equal(t, "0.5", rec.FilledQty.String())
	assert.Equal(t, "50050", rec.AvgFillPrice.String())
}

func TestVenueBreakerOpensAndRecovers(t *testing.T) {
	cfg := execConfig()
	cfg.MaxRetries = 0
	cfg.Circuit.Failures = 2
	c, venue, _ := newTestClient(cfg, true)
	ctx := context.Background()

	venue.FailNextSubmits(2, true)
	_, err := c.Submit(ctx, execIntent("sig-1"))
	require.Error(t, err)
	_, err = c.Submit(ctx, execIntent("sig-2"))
	require.Error(t, err)

	// circuit open: the venue is not called at all
	_, err = c.Submit(ctx, execIntent("sig-3"))
	require.Error(t, err)
	assert.Equal(t, 2, venue.SubmitCalls())

	// after the cooldown a probe goes through and closes the circuit
	time.Sleep(cfg.Circuit.Cooldown + 10*time.Millisecond)
	rec, err := c.Submit(ctx, execIntent("sig-4"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, rec.Status)
}

func TestSubmitRoundsToVenueIncrements(t *testing.T) {
	c, venue, _ := newTestClient(execConfig(), true)
	venue.SetIncrements("BTCUSDT", decimal.RequireFromString("0.5"), decimal.RequireFromString("0.1"))
	ctx := context.Background()

	intent := execIntent("sig-1")
	intent.Quantity = decimal.RequireFromString("0.57")
	intent.LimitPrice = decimal.RequireFromString("50000.3")

	rec, err := c.Submit(ctx, intent)
	require.NoError(t, err)
	assert.Equal(t, "0.5", rec.FilledQty.String())
	assert.Equal(t, "50000", rec.AvgFillPrice.String())
}
