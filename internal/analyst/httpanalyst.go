package analyst

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryptohelm/cryptohelm/internal/clock"
	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// HTTPAnalyst calls a model endpoint speaking the structured-verdict
// protocol: the feature pack goes out as JSON, a sentiment/confidence
// verdict comes back. Free-text model output never reaches the scorer.
type HTTPAnalyst struct {
	id         string
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
	clk        clock.Clock
	log        zerolog.Logger
}

// HTTPAnalystOption customizes construction.
type HTTPAnalystOption func(*HTTPAnalyst)

// WithHTTPClient substitutes the transport, mainly for tests.
func WithHTTPClient(c *http.Client) HTTPAnalystOption {
	return func(a *HTTPAnalyst) { a.httpClient = c }
}

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(key string) HTTPAnalystOption {
	return func(a *HTTPAnalyst) { a.apiKey = key }
}

// NewHTTPAnalyst builds an analyst from its pool entry.
func NewHTTPAnalyst(cfg config.AnalystConfig, clk clock.Clock, log zerolog.Logger, opts ...HTTPAnalystOption) *HTTPAnalyst {
	a := &HTTPAnalyst{
		id:       cfg.ID,
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		clk:      clk,
		log:      log.With().Str("component", "analyst").Str("analyst_id", cfg.ID).Logger(),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID implements Analyst.
func (a *HTTPAnalyst) ID() string { return a.id }

// analysisPayload is the wire request.
type analysisPayload struct {
	Model    string      `json:"model"`
	Features FeaturePack `json:"features"`
}

// verdictPayload is the wire response.
type verdictPayload struct {
	Sentiment  string `json:"sentiment"`
	Confidence float64 `json:"confidence"`
	Rationale  string `json:"rationale,omitempty"`
	TokenCost  int64  `json:"token_cost,omitempty"`
}

// Analyze implements Analyst. Malformed or out-of-range responses are
// errors, not low-confidence verdicts: the router's breaker should see them.
func (a *HTTPAnalyst) Analyze(ctx context.Context, req AnalysisRequest) (models.AnalystVerdict, error) {
	body, err := json.Marshal(analysisPayload{Model: a.model, Features: req.Features})
	if err != nil {
		return models.AnalystVerdict{}, fmt.Errorf("analyst %s: marshal request: %w", a.id, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return models.AnalystVerdict{}, fmt.Errorf("analyst %s: build request: %w", a.id, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	start := a.clk.Now()
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return models.AnalystVerdict{}, fmt.Errorf("analyst %s: call: %w", a.id, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.AnalystVerdict{}, fmt.Errorf("analyst %s: read response: %w", a.id, err)
	}
	if resp.StatusCode != http.StatusOK {
		return models.AnalystVerdict{}, fmt.Errorf("analyst %s: status %d: %s", a.id, resp.StatusCode, raw)
	}

	var vp verdictPayload
	if err := json.Unmarshal(raw, &vp); err != nil {
		return models.AnalystVerdict{}, fmt.Errorf("analyst %s: parse verdict: %w", a.id, err)
	}

	verdict := models.AnalystVerdict{
		AnalystID:  a.id,
		Symbol:     req.Features.Symbol,
		Timeframe:  req.Features.Timeframe,
		Sentiment:  models.Sentiment(vp.Sentiment),
		Confidence: vp.Confidence,
		Rationale:  vp.Rationale,
		Latency:    a.clk.Now().Sub(start),
		TokenCost:  vp.TokenCost,
		ProducedAt: a.clk.Now(),
	}
	if err := verdict.Validate(); err != nil {
		return models.AnalystVerdict{}, fmt.Errorf("analyst %s: %w", a.id, err)
	}

	a.log.Debug().
		Str("symbol", verdict.Symbol).
		Str("sentiment", string(verdict.Sentiment)).
		Float64("confidence", verdict.Confidence).
		Dur("latency", verdict.Latency).
		Msg("Verdict received")
	return verdict, nil
}
