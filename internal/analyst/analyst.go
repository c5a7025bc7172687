// Package analyst routes analysis requests to a pool of language-model
// analysts under a configurable policy, with per-analyst circuit breakers,
// latency/success tracking, capacity limits and a Redis verdict cache.
package analyst

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// PatternSummary is the compact pattern form shipped to analysts.
type PatternSummary struct {
	Type       models.PatternType `json:"type"`
	Confidence float64            `json:"confidence"`
	Strength   float64            `json:"strength"`
	Bullish    bool               `json:"bullish"`
}

// FeaturePack is the compact market context an analyst reasons over.
// Its hash keys the verdict cache, so the serialization must be canonical;
// encoding/json sorts map keys which is sufficient here.
type FeaturePack struct {
	Symbol     string             `json:"symbol"`
	Timeframe  models.Timeframe   `json:"timeframe"`
	Regime     models.Regime      `json:"regime"`
	LastClose  string             `json:"last_close"`
	Indicators map[string]float64 `json:"indicators"`
	Patterns   []PatternSummary   `json:"patterns"`
}

// Hash returns the cache key component for this pack.
func (fp FeaturePack) Hash() string {
	raw, err := json.Marshal(fp)
	if err != nil {
		// FeaturePack contains only marshalable types
		panic(fmt.Sprintf("feature pack marshal: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// AnalysisRequest is one routed analysis call.
type AnalysisRequest struct {
	Features FeaturePack
	Policy   config.RoutingPolicy
}

// Analyst is one member of the pool.
type Analyst interface {
	ID() string
	// Analyze produces a verdict for the request. Implementations must
	// honor ctx cancellation; a timeout counts as a failure.
	Analyze(ctx context.Context, req AnalysisRequest) (models.AnalystVerdict, error)
}
