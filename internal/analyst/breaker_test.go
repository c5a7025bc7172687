package analyst

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptohelm/cryptohelm/internal/clock"
	"github.com/cryptohelm/cryptohelm/internal/config"
)

func newTestBreaker() (*Breaker, *clock.Fake) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	cfg := config.CircuitConfig{
		Failures: 3,
		Window:   10 * time.Second,
		Cooldown: 30 * time.Second,
		Cap:      4 * time.Minute,
	}
	return NewBreaker(cfg, clk), clk
}

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.RecordFailure()
	}
}

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker()

	failN(b, 2)
	assert.NoError(t, b.Allow(), "below threshold stays closed")

	b.RecordFailure()
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerWindowResetsCount(t *testing.T) {
	b, clk := newTestBreaker()

	failN(b, 2)
	clk.Advance(11 * time.Second) // outside the counting window
	b.RecordFailure()
	assert.NoError(t, b.Allow(), "stale failures do not count")
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker()

	failN(b, 2)
	b.RecordSuccess()
	failN(b, 2)
	assert.NoError(t, b.Allow())
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b, clk := newTestBreaker()
	failN(b, 3)

	clk.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen, "cooldown not elapsed")

	clk.Advance(2 * time.Second)
	require.NoError(t, b.Allow(), "first probe admitted")
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen, "second concurrent probe rejected")

	b.RecordSuccess()
	assert.Equal(t, CircuitClosed, b.State())
	assert.Equal(t, 30*time.Second, b.Timeout(), "cooldown reset on close")
}

func TestBreakerDoublesCooldownOnFailedProbe(t *testing.T) {
	b, clk := newTestBreaker()
	failN(b, 3)
	require.Equal(t, 30*time.Second, b.Timeout())

	trip := func(wait time.Duration) {
		clk.Advance(wait)
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}

	trip(31 * time.Second)
	assert.Equal(t, 60*time.Second, b.Timeout())

	trip(61 * time.Second)
	assert.Equal(t, 2*time.Minute, b.Timeout())

	trip(121 * time.Second)
	assert.Equal(t, 4*time.Minute, b.Timeout())

	// capped
	trip(241 * time.Second)
	assert.Equal(t, 4*time.Minute, b.Timeout())
}

func TestBreakerRecoversAfterDoubling(t *testing.T) {
	b, clk := newTestBreaker()
	failN(b, 3)

	clk.Advance(31 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordFailure() // cooldown now 60s

	clk.Advance(61 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, CircuitClosed, b.State())
	assert.Equal(t, 30*time.Second, b.Timeout())
}
