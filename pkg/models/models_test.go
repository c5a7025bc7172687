package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func validBar() Bar {
	return Bar{
		Symbol:    "BTCUSD",
		Timeframe: Timeframe1h,
		OpenTime:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Open:      dec("50000"),
		High:      dec("50500"),
		Low:       dec("49800"),
		Close:     dec("50200"),
		Volume:    dec("123.45"),
	}
}

func TestBarValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Bar)
		wantErr bool
	}{
		{"valid", func(b *Bar) {}, false},
		{"high below close", func(b *Bar) { b.High = dec("50100") }, true},
		{"low above open", func(b *Bar) { b.Low = dec("50100") }, true},
		{"misaligned open time", func(b *Bar) { b.OpenTime = b.OpenTime.Add(7 * time.Minute) }, true},
		{"negative volume", func(b *Bar) { b.Volume = dec("-1") }, true},
		{"unknown timeframe", func(b *Bar) { b.Timeframe = "2h" }, true},
		{"empty symbol", func(b *Bar) { b.Symbol = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := validBar()
			tt.mutate(&b)
			err := b.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTimeframeAlignment(t *testing.T) {
	ts := time.Date(2025, 6, 1, 13, 45, 0, 0, time.UTC)
	assert.True(t, AlignedTo(ts, Timeframe15m))
	assert.False(t, AlignedTo(ts, Timeframe1h))
	assert.Equal(t, time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC), Align(ts, Timeframe1h))
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), Align(ts, Timeframe1d))
}

func TestSignalValidateLong(t *testing.T) {
	s := Signal{
		ID:                   "sig-1",
		Symbol:               "BTCUSD",
		Direction:            DirectionLong,
		ConfluenceScore:      75,
		CalibratedConfidence: 0.7,
		Entry:                dec("50000"),
		Stop:                 dec("49000"),
		Target:               dec("52500"),
		Priority:             2,
	}
	require.NoError(t, s.Validate())
	assert.InDelta(t, 2.5, s.ComputeRiskReward(), 1e-9)

	// long with stop above entry must fail
	s.Stop = dec("50500")
	assert.Error(t, s.Validate())
}

func TestSignalValidateShort(t *testing.T) {
	s := Signal{
		ID:                   "sig-2",
		Symbol:               "ETHUSD",
		Direction:            DirectionShort,
		ConfluenceScore:      60,
		CalibratedConfidence: 0.6,
		Entry:                dec("3000"),
		Stop:                 dec("3100"),
		Target:               dec("2800"),
		Priority:             3,
	}
	require.NoError(t, s.Validate())

	s.Target = dec("3050")
	assert.Error(t, s.Validate())
}

func TestSignalHighConfluenceFloor(t *testing.T) {
	s := Signal{
		ID:                   "sig-3",
		Symbol:               "BTCUSD",
		Direction:            DirectionLong,
		ConfluenceScore:      92,
		CalibratedConfidence: 0.75, // below the 0.8 floor for confluence >= 90
		Entry:                dec("50000"),
		Stop:                 dec("49000"),
		Target:               dec("52000"),
		Priority:             1,
	}
	assert.Error(t, s.Validate())

	s.CalibratedConfidence = 0.85
	assert.NoError(t, s.Validate())
}

func TestDeriveClientIDDeterministic(t *testing.T) {
	a := DeriveClientID("signal-abc", 0)
	b := DeriveClientID("signal-abc", 0)
	c := DeriveClientID("signal-abc", 1)
	d := DeriveClientID("signal-xyz", 0)

	assert.Equal(t, a, b, "same signal and attempt must derive the same client id")
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}

func TestExecutionRecordApplyFill(t *testing.T) {
	now := time.Now().UTC()
	rec := ExecutionRecord{
		ClientID:     DeriveClientID("s1", 0),
		Status:       OrderStatusOpen,
		RemainingQty: dec("0.5"),
	}

	rec.ApplyFill(Fill{Quantity: dec("0.25"), Price: dec("50000"), Fee: dec("1.25"), Time: now}, now)
	assert.Equal(t, OrderStatusPartiallyFilled, rec.Status)
	assert.True(t, rec.FilledQty.Equal(dec("0.25")))
	assert.True(t, rec.RemainingQty.Equal(dec("0.25")))
	assert.True(t, rec.AvgFillPrice.Equal(dec("50000")))

	rec.ApplyFill(Fill{Quantity: dec("0.25"), Price: dec("50100"), Fee: dec("1.25"), Time: now}, now)
	assert.Equal(t, OrderStatusFilled, rec.Status)
	assert.True(t, rec.FilledQty.Equal(dec("0.5")))
	assert.True(t, rec.RemainingQty.IsZero())
	// weighted average: (0.25*50000 + 0.25*50100) / 0.5 = 50050
	assert.True(t, rec.AvgFillPrice.Equal(dec("50050")), "got %s", rec.AvgFillPrice)
	assert.True(t, rec.TotalFees().Equal(dec("2.5")))
}

func TestPositionStateMachine(t *testing.T) {
	now := time.Now().UTC()
	p := Position{ID: "p1", State: PositionOpen, Direction: DirectionLong}

	require.NoError(t, p.Transition(PositionMonitoring, now))
	require.NoError(t, p.Transition(PositionAdjusting, now))
	require.NoError(t, p.Transition(PositionMonitoring, now))
	require.NoError(t, p.Transition(PositionClosing, now))

	// closing can only go to closed
	assert.Error(t, p.Transition(PositionMonitoring, now))
	require.NoError(t, p.Transition(PositionClosed, now))
	assert.False(t, p.ClosedAt.IsZero())
	assert.Error(t, p.Transition(PositionOpen, now))
}

func TestPositionSettleClose(t *testing.T) {
	now := time.Now().UTC()
	p := Position{
		ID:        "p2",
		Symbol:    "BTCUSD",
		Direction: DirectionLong,
		Quantity:  dec("0.5"),
		AvgEntry:  dec("50000"),
		State:     PositionClosing,
	}

	exit := &ExecutionRecord{ClientID: "exit-1", Status: OrderStatusOpen, RemainingQty: dec("0.5")}
	exit.ApplyFill(Fill{Quantity: dec("0.5"), Price: dec("52000"), Fee: dec("13")}, now)

	p.SettleClose(exit, dec("2"), now)
	// 0.5 * (52000-50000) = 1000, minus 13 fees minus 2 funding
	assert.True(t, p.RealizedPnL.Equal(dec("985")), "got %s", p.RealizedPnL)
}

func TestPositionOpenRisk(t *testing.T) {
	p := Position{
		Direction: DirectionShort,
		Quantity:  dec("2"),
		AvgEntry:  dec("3000"),
		Stop:      dec("3150"),
		State:     PositionMonitoring,
	}
	assert.True(t, p.OpenRisk().Equal(dec("300")))
	assert.True(t, p.UnrealizedPnL(dec("2900")).Equal(dec("200")))
}

func TestClampWeight(t *testing.T) {
	assert.Equal(t, 0.5, ClampWeight(0.1))
	assert.Equal(t, 2.0, ClampWeight(5))
	assert.Equal(t, 1.3, ClampWeight(1.3))
}
