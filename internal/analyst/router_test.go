package analyst

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptohelm/cryptohelm/internal/clock"
	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

type stubAnalyst struct {
	id    string
	verd  models.AnalystVerdict
	err   error
	calls int
}

func (s *stubAnalyst) ID() string { return s.id }

func (s *stubAnalyst) Analyze(_ context.Context, _ AnalysisRequest) (models.AnalystVerdict, error) {
	s.calls++
	if s.err != nil {
		return models.AnalystVerdict{}, s.err
	}
	return s.verd, nil
}

func bullishVerdict(conf float64) models.AnalystVerdict {
	return models.AnalystVerdict{
		Symbol:     "BTCUSD",
		Timeframe:  models.Timeframe1h,
		Sentiment:  models.SentimentBullish,
		Confidence: conf,
	}
}

func testRouterConfig(policy config.RoutingPolicy) config.RouterConfig {
	return config.RouterConfig{
		Policy:         policy,
		MinSuccessRate: 0.5,
		ConsensusSize:  2,
		CacheTTL:       time.Minute,
		Circuit: config.CircuitConfig{
			Failures: 2,
			Window:   10 * time.Second,
			Cooldown: 30 * time.Second,
			Cap:      2 * time.Minute,
		},
	}
}

func analystCfgs(costs map[string]float64) []config.AnalystConfig {
	var out []config.AnalystConfig
	for id, cost := range costs {
		out = append(out, config.AnalystConfig{ID: id, CostPer1K: cost, Capacity: 2, RatePerSecond: 1000})
	}
	return out
}

func newRouter(t *testing.T, policy config.RoutingPolicy, cache *VerdictCache, pool ...Analyst) *Router {
	t.Helper()
	costs := map[string]float64{}
	for _, a := range pool {
		costs[a.ID()] = 1
	}
	clk := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	r, err := NewRouter(testRouterConfig(policy), pool, analystCfgs(costs), cache, clk, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func packFor(symbol string) FeaturePack {
	return FeaturePack{
		Symbol:     symbol,
		Timeframe:  models.Timeframe1h,
		Regime:     models.RegimeBull,
		LastClose:  "50000",
		Indicators: map[string]float64{"rsi_14": 45},
	}
}

func TestRouteFallsBackOnFailure(t *testing.T) {
	broken := &stubAnalyst{id: "a", err: errors.New("boom")}
	good := &stubAnalyst{id: "b", verd: bullishVerdict(0.8)}
	r := newRouter(t, config.PolicyAccuracyFirst, nil, broken, good)

	vs, err := r.Route(context.Background(), AnalysisRequest{Features: packFor("BTCUSD")})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, "b", vs[0].AnalystID)
	assert.Equal(t, models.SentimentBullish, vs[0].Sentiment)
}

func TestRouteNoVerdictWhenExhausted(t *testing.T) {
	a := &stubAnalyst{id: "a", err: errors.New("down")}
	b := &stubAnalyst{id: "b", err: errors.New("down")}
	r := newRouter(t, config.PolicyAccuracyFirst, nil, a, b)

	vs, err := r.Route(context.Background(), AnalysisRequest{Features: packFor("BTCUSD")})
	require.NoError(t, err, "exhaustion is no_verdict, not an error")
	assert.Empty(t, vs)
}

func TestRouteSkipsOpenCircuit(t *testing.T) {
	flaky := &stubAnalyst{id: "a", err: errors.New("down")}
	good := &stubAnalyst{id: "b", verd: bullishVerdict(0.7)}
	r := newRouter(t, config.PolicyAccuracyFirst, nil, flaky, good)
	ctx := context.Background()

	// two failed routes trip a's breaker (each route tries a first or not,
	// but failures accumulate)
	for i := 0; i < 3; i++ {
		_, err := r.Route(ctx, AnalysisRequest{Features: packFor("BTCUSD")})
		require.NoError(t, err)
	}
	require.Equal(t, CircuitOpen, r.BreakerState("a"))

	before := flaky.calls
	vs, err := r.Route(ctx, AnalysisRequest{Features: packFor("BTCUSD")})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, "b", vs[0].AnalystID)
	assert.Equal(t, before, flaky.calls, "open circuit is not called at all")
}

func TestRouteAccuracyFirstPrefersTrackRecord(t *testing.T) {
	weak := &stubAnalyst{id: "weak", verd: bullishVerdict(0.6)}
	strong := &stubAnalyst{id: "strong", verd: bullishVerdict(0.9)}
	r := newRouter(t, config.PolicyAccuracyFirst, nil, weak, strong)

	// shape the trackers: weak has failures, strong is clean
	wt := r.Tracker("weak")
	st := r.Tracker("strong")
	for i := 0; i < 10; i++ {
		wt.Observe(time.Second, i%2 == 0)
		st.Observe(time.Second, true)
	}
	wt.ObserveConfidence(0.6)
	st.ObserveConfidence(0.9)

	vs, err := r.Route(context.Background(), AnalysisRequest{Features: packFor("BTCUSD")})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, "strong", vs[0].AnalystID)
	assert.Equal(t, 0, weak.calls)
}

func TestRouteCostAwarePicksCheapestEligible(t *testing.T) {
	cheap := &stubAnalyst{id: "cheap", verd: bullishVerdict(0.6)}
	pricey := &stubAnalyst{id: "pricey", verd: bullishVerdict(0.9)}

	clk := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	cfgs := []config.AnalystConfig{
		{ID: "cheap", CostPer1K: 0.1, Capacity: 1, RatePerSecond: 1000},
		{ID: "pricey", CostPer1K: 5.0, Capacity: 1, RatePerSecond: 1000},
	}
	r, err := NewRouter(testRouterConfig(config.PolicyCostAware), []Analyst{pricey, cheap}, cfgs, nil, clk, zerolog.Nop())
	require.NoError(t, err)

	vs, err := r.Route(context.Background(), AnalysisRequest{Features: packFor("BTCUSD")})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, "cheap", vs[0].AnalystID)
}

func TestRouteConsensusFansOut(t *testing.T) {
	a := &stubAnalyst{id: "a", verd: bullishVerdict(0.7)}
	b := &stubAnalyst{id: "b", verd: bullishVerdict(0.8)}
	c := &stubAnalyst{id: "c", verd: bullishVerdict(0.9)}
	r := newRouter(t, config.PolicyConsensus, nil, a, b, c)

	vs, err := r.Route(context.Background(), AnalysisRequest{Features: packFor("BTCUSD")})
	require.NoError(t, err)
	assert.Len(t, vs, 2, "consensus size bounds the fan-out")
	assert.Equal(t, 2, a.calls+b.calls+c.calls)
}

func TestRouteServesCachedVerdict(t *testing.T) {
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	cache := NewVerdictCache(rdb, time.Minute, zerolog.Nop())

	a := &stubAnalyst{id: "a", verd: bullishVerdict(0.8)}
	r := newRouter(t, config.PolicyAccuracyFirst, cache, a)
	ctx := context.Background()
	req := AnalysisRequest{Features: packFor("BTCUSD")}

	first, err := r.Route(ctx, req)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.False(t, first[0].Cached)

	second, err := r.Route(ctx, req)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.True(t, second[0].Cached)
	assert.Equal(t, 1, a.calls, "identical request within TTL hits the cache")

	// a different pack misses
	other, err := r.Route(ctx, AnalysisRequest{Features: packFor("ETHUSD")})
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.False(t, other[0].Cached)
	assert.Equal(t, 2, a.calls)
}

func TestFeaturePackHashStable(t *testing.T) {
	a := packFor("BTCUSD")
	b := packFor("BTCUSD")
	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), packFor("ETHUSD").Hash())
}

func TestTrackerQuantiles(t *testing.T) {
	tr := NewTracker()
	for i := 1; i <= 100; i++ {
		tr.Observe(time.Duration(i)*time.Millisecond, true)
	}
	assert.Equal(t, 50*time.Millisecond, tr.P50())
	assert.Equal(t, 95*time.Millisecond, tr.P95())
	assert.Equal(t, 1.0, tr.SuccessRate())
}
