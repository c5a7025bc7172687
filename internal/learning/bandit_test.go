package learning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

func banditConfig(strategy config.BanditStrategy, epsilon float64) config.LearningConfig {
	return config.LearningConfig{
		Strategy:              strategy,
		Epsilon:               epsilon,
		RecalibrationInterval: 24 * time.Hour,
	}
}

func TestNormalizeRewardBounds(t *testing.T) {
	assert.InDelta(t, 0.0, NormalizeReward(-5), 1e-9)
	assert.InDelta(t, 0.0, NormalizeReward(-1), 1e-9)
	assert.InDelta(t, 0.25, NormalizeReward(0), 1e-9)
	assert.InDelta(t, 0.75, NormalizeReward(2), 1e-9)
	assert.InDelta(t, 1.0, NormalizeReward(3), 1e-9)
	assert.InDelta(t, 1.0, NormalizeReward(10), 1e-9)
}

func TestRecordAccumulatesNormalizedRewards(t *testing.T) {
	b := NewBandit(banditConfig(config.BanditEpsilonGreedy, 0.1), 1)
	var st models.BanditState
	b.Record(&st, 2)  // 0.75
	b.Record(&st, -1) // 0
	assert.Equal(t, int64(2), st.Pulls)
	assert.InDelta(t, 0.375, st.Mean(), 1e-9)
}

func TestScoreUnpulledArmIsOptimistic(t *testing.T) {
	b := NewBandit(banditConfig(config.BanditUCB1, 0), 1)
	assert.InDelta(t, 1.0, b.Score(models.BanditState{}, 100), 1e-9)
}

func TestUCB1BonusShrinksWithPulls(t *testing.T) {
	b := NewBandit(banditConfig(config.BanditUCB1, 0), 1)
	few := models.BanditState{Pulls: 5, RewardSum: 2.5}
	many := models.BanditState{Pulls: 500, RewardSum: 250}
	// identical means, but the rarely pulled arm carries a larger bonus
	assert.Greater(t, b.Score(few, 1000), b.Score(many, 1000))
}

func TestUCB1SelectsUnpulledArmFirst(t *testing.T) {
	b := NewBandit(banditConfig(config.BanditUCB1, 0), 1)
	arms := map[models.PatternType]models.BanditState{
		models.PatternBreakout:     {Pulls: 100, RewardSum: 50}, // mean 0.5
		models.PatternDoubleBottom: {},
	}
	assert.Equal(t, models.PatternDoubleBottom, b.SelectArm(arms))
}

func TestEpsilonGreedyExploresLosingArm(t *testing.T) {
	b := NewBandit(banditConfig(config.BanditEpsilonGreedy, 0.5), 1)
	arms := map[models.PatternType]models.BanditState{
		models.PatternBreakout:     {Pulls: 100, RewardSum: 90},
		models.PatternDoubleBottom: {Pulls: 100, RewardSum: 10},
	}
	seen := map[models.PatternType]int{}
	for i := 0; i < 500; i++ {
		seen[b.SelectArm(arms)]++
	}
	assert.Greater(t, seen[models.PatternBreakout], seen[models.PatternDoubleBottom])
	assert.Greater(t, seen[models.PatternDoubleBottom], 0)
}

func TestEpsilonGreedyExploitsBestArm(t *testing.T) {
	b := NewBandit(banditConfig(config.BanditEpsilonGreedy, 0.01), 1)
	arms := map[models.PatternType]models.BanditState{
		models.PatternBreakout:     {Pulls: 100, RewardSum: 90},
		models.PatternDoubleBottom: {Pulls: 100, RewardSum: 10},
	}
	best := 0
	for i := 0; i < 200; i++ {
		if b.SelectArm(arms) == models.PatternBreakout {
			best++
		}
	}
	assert.Greater(t, best, 180)
}
