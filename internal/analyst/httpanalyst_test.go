package analyst

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptohelm/cryptohelm/internal/clock"
	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

func httpAnalystRequest() AnalysisRequest {
	return AnalysisRequest{
		Features: FeaturePack{
			Symbol:    "BTCUSD",
			Timeframe: models.Timeframe1h,
			Regime:    models.RegimeBull,
			LastClose: "50000",
			Indicators: map[string]float64{
				"rsi_14": 61.2,
			},
		},
		Policy: config.PolicyAccuracyFirst,
	}
}

func newHTTPAnalystAgainst(t *testing.T, handler http.HandlerFunc) (*HTTPAnalyst, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a := NewHTTPAnalyst(config.AnalystConfig{
		ID:       "alpha",
		Endpoint: srv.URL,
		Model:    "helm-analyst-1",
	}, clock.New(), zerolog.Nop(), WithAPIKey("sekrit"))
	return a, srv
}

func TestHTTPAnalystRoundTrip(t *testing.T) {
	var gotAuth, gotModel string
	a, _ := newHTTPAnalystAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var payload analysisPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		gotModel = payload.Model
		assert.Equal(t, "BTCUSD", payload.Features.Symbol)

		json.NewEncoder(w).Encode(verdictPayload{
			Sentiment:  "bullish",
			Confidence: 0.72,
			Rationale:  "momentum building above support",
			TokenCost:  412,
		})
	})

	verdict, err := a.Analyze(context.Background(), httpAnalystRequest())
	require.NoError(t, err)

	assert.Equal(t, "Bearer sekrit", gotAuth)
	assert.Equal(t, "helm-analyst-1", gotModel)
	assert.Equal(t, "alpha", verdict.AnalystID)
	assert.Equal(t, models.SentimentBullish, verdict.Sentiment)
	assert.InDelta(t, 0.72, verdict.Confidence, 1e-9)
	assert.Equal(t, int64(412), verdict.TokenCost)
	assert.Equal(t, models.Timeframe1h, verdict.Timeframe)
}

func TestHTTPAnalystRejectsMalformedVerdict(t *testing.T) {
	a, _ := newHTTPAnalystAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sentiment":"mostly sideways vibes","confidence":0.5}`))
	})

	_, err := a.Analyze(context.Background(), httpAnalystRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sentiment")
}

func TestHTTPAnalystRejectsOutOfRangeConfidence(t *testing.T) {
	a, _ := newHTTPAnalystAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(verdictPayload{Sentiment: "bearish", Confidence: 1.4})
	})

	_, err := a.Analyze(context.Background(), httpAnalystRequest())
	require.Error(t, err)
}

func TestHTTPAnalystSurfacesHTTPErrors(t *testing.T) {
	a, _ := newHTTPAnalystAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusTooManyRequests)
	})

	_, err := a.Analyze(context.Background(), httpAnalystRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestHTTPAnalystHonorsContext(t *testing.T) {
	a, _ := newHTTPAnalystAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := a.Analyze(ctx, httpAnalystRequest())
	require.Error(t, err)
}
