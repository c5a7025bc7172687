package learning

import (
	"math"
	"math/rand"

	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// Rewards are R-multiples clamped into [rewardFloor, rewardCeil] and mapped
// onto [0,1] so the bandit estimators stay bounded.
const (
	rewardFloor = -1.0
	rewardCeil  = 3.0
)

// NormalizeReward maps an R-multiple into [0,1].
func NormalizeReward(r float64) float64 {
	if r < rewardFloor {
		r = rewardFloor
	}
	if r > rewardCeil {
		r = rewardCeil
	}
	return (r - rewardFloor) / (rewardCeil - rewardFloor)
}

// Bandit ranks pattern arms by expected reward. Two strategies: epsilon-greedy
// (a fixed exploration share picks a uniformly random arm) and UCB1 (the
// exploration bonus shrinks as an arm accumulates pulls).
type Bandit struct {
	strategy config.BanditStrategy
	epsilon  float64
	rng      *rand.Rand
}

// NewBandit creates a bandit. The seed fixes arm selection for tests.
func NewBandit(cfg config.LearningConfig, seed int64) *Bandit {
	return &Bandit{
		strategy: cfg.Strategy,
		epsilon:  cfg.Epsilon,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Record folds one trade reward into the arm state.
func (b *Bandit) Record(st *models.BanditState, rMultiple float64) {
	r := NormalizeReward(rMultiple)
	st.Pulls++
	st.RewardSum += r
	st.RewardSqSum += r * r
}

// Score is the arm's expected-reward estimate used for weight recalibration.
// An arm never pulled scores the optimistic maximum so it gets explored.
func (b *Bandit) Score(st models.BanditState, totalPulls int64) float64 {
	if st.Pulls == 0 {
		return 1
	}
	mean := st.Mean()
	if b.strategy == config.BanditUCB1 && totalPulls > 0 {
		mean += math.Sqrt(2 * math.Log(float64(totalPulls)) / float64(st.Pulls))
	}
	return mean
}

// SelectArm picks the next pattern to favor among the given arms. Under
// epsilon-greedy an epsilon share of selections is uniformly random, which
// keeps seldom-seen patterns in rotation; under UCB1 the bonus term does the
// same job deterministically.
func (b *Bandit) SelectArm(arms map[models.PatternType]models.BanditState) models.PatternType {
	if len(arms) == 0 {
		return ""
	}
	ordered := make([]models.PatternType, 0, len(arms))
	var totalPulls int64
	for _, pt := range models.AllPatternTypes {
		if _, ok := arms[pt]; ok {
			ordered = append(ordered, pt)
			totalPulls += arms[pt].Pulls
		}
	}

	if b.strategy == config.BanditEpsilonGreedy && b.rng.Float64() < b.epsilon {
		return ordered[b.rng.Intn(len(ordered))]
	}

	best := ordered[0]
	bestScore := math.Inf(-1)
	for _, pt := range ordered {
		if s := b.Score(arms[pt], totalPulls); s > bestScore {
			best = pt
			bestScore = s
		}
	}
	return best
}
