package models

import "time"

// WindowDays are the rolling windows tracked per pattern type.
var WindowDays = []int{30, 60, 90}

// WindowStats summarizes closed trades attributed to a pattern within one
// rolling window.
type WindowStats struct {
	Days        int     `json:"days"`
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	ExpectancyR float64 `json:"expectancy_r"` // mean profit in initial-risk units
	AvgHoldSecs float64 `json:"avg_hold_secs"`
}

// WinRate returns wins/trades, 0 when empty.
func (w WindowStats) WinRate() float64 {
	if w.Trades == 0 {
		return 0
	}
	return float64(w.Wins) / float64(w.Trades)
}

// BanditState is the persisted arm state for one pattern type.
type BanditState struct {
	Pulls       int64   `json:"pulls"`
	RewardSum   float64 `json:"reward_sum"`
	RewardSqSum float64 `json:"reward_sq_sum"`
}

// Mean returns the arm's average reward, 0 when never pulled.
func (b BanditState) Mean() float64 {
	if b.Pulls == 0 {
		return 0
	}
	return b.RewardSum / float64(b.Pulls)
}

// PatternPerformance carries the learning state for one pattern type. The
// weight is bounded to [0.5, 2.0] and consumed by the scorer and detector
// as a read-only snapshot.
type PatternPerformance struct {
	Type      PatternType           `json:"pattern_type"`
	Windows   map[int]WindowStats   `json:"windows"` // keyed by days
	Bandit    BanditState           `json:"bandit_state"`
	Weight    float64               `json:"current_weight"` // [0.5, 2.0]
	UpdatedAt time.Time             `json:"updated_at"`
	// Applied position ids, for idempotent replay. Each closed trade
	// contributes exactly once.
	AppliedPositions map[string]struct{} `json:"-"`
}

// WeightBounds clamps the pattern weight to its permitted range.
const (
	MinPatternWeight = 0.5
	MaxPatternWeight = 2.0
)

// ClampWeight bounds w to [MinPatternWeight, MaxPatternWeight].
func ClampWeight(w float64) float64 {
	if w < MinPatternWeight {
		return MinPatternWeight
	}
	if w > MaxPatternWeight {
		return MaxPatternWeight
	}
	return w
}
