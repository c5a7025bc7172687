package models

import (
	"fmt"
	"time"
)

// Sentiment is an analyst's directional read. The set is closed.
type Sentiment string

const (
	SentimentBullish Sentiment = "bullish"
	SentimentBearish Sentiment = "bearish"
	SentimentNeutral Sentiment = "neutral"
)

// Valid reports membership in the closed sentiment set.
func (s Sentiment) Valid() bool {
	switch s {
	case SentimentBullish, SentimentBearish, SentimentNeutral:
		return true
	}
	return false
}

// Sign maps sentiment onto {-1, 0, +1}.
func (s Sentiment) Sign() float64 {
	switch s {
	case SentimentBullish:
		return 1
	case SentimentBearish:
		return -1
	default:
		return 0
	}
}

// AnalystVerdict is the structured result of one analyst call. A zero
// Confidence with SentimentNeutral is a valid "no opinion" verdict; a
// request that exhausted all candidates yields no verdict at all (the
// router returns NoVerdict, not an error).
type AnalystVerdict struct {
	AnalystID  string        `json:"analyst_id"`
	Symbol     string        `json:"symbol"`
	Timeframe  Timeframe     `json:"timeframe"`
	Sentiment  Sentiment     `json:"sentiment"`
	Confidence float64       `json:"confidence"` // [0,1]
	Rationale  string        `json:"rationale,omitempty"`
	Latency    time.Duration `json:"latency_ms"`
	TokenCost  int64         `json:"token_cost,omitempty"`
	ProducedAt time.Time     `json:"produced_at"`
	Cached     bool          `json:"cached,omitempty"`
}

// Validate enforces the verdict invariants.
func (v AnalystVerdict) Validate() error {
	if v.AnalystID == "" {
		return fmt.Errorf("verdict: empty analyst id")
	}
	if !v.Sentiment.Valid() {
		return fmt.Errorf("verdict %s: unknown sentiment %q", v.AnalystID, v.Sentiment)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return fmt.Errorf("verdict %s: confidence %.4f out of [0,1]", v.AnalystID, v.Confidence)
	}
	return nil
}
