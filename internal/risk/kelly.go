package risk

// KellyStats summarizes closed-trade history for one symbol or strategy.
// AvgLoss is positive.
type KellyStats struct {
	Trades  int     `json:"trades"`
	WinRate float64 `json:"win_rate"`
	AvgWin  float64 `json:"avg_win"`
	AvgLoss float64 `json:"avg_loss"`
}

// kellyMinTrades is the history floor below which the Kelly arm is skipped;
// small samples make the estimate worthless.
const kellyMinTrades = 20

// kellyMaxFraction caps the raw fraction before scaling. Full Kelly is far
// too aggressive for leveraged instruments.
const kellyMaxFraction = 0.25

// KellyFraction computes the Kelly criterion f = W - (1-W)/R where R is the
// win/loss ratio. Returns 0 (no Kelly sizing) for unusable stats or a
// negative edge.
func KellyFraction(s KellyStats) float64 {
	if s.Trades < kellyMinTrades || s.AvgLoss <= 0 || s.AvgWin <= 0 {
		return 0
	}
	if s.WinRate <= 0 || s.WinRate >= 1 {
		return 0
	}
	r := s.AvgWin / s.AvgLoss
	f := s.WinRate - (1-s.WinRate)/r
	if f <= 0 {
		return 0
	}
	if f > kellyMaxFraction {
		f = kellyMaxFraction
	}
	return f
}

// KellyProvider supplies per-symbol trade statistics; the learning memory
// implements it over the state store.
type KellyProvider interface {
	KellyStats(symbol string) (KellyStats, bool)
}

// NoKellyStats is the empty provider used before any history exists.
type NoKellyStats struct{}

func (NoKellyStats) KellyStats(string) (KellyStats, bool) { return KellyStats{}, false }
