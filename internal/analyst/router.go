package analyst

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/cryptohelm/cryptohelm/internal/clock"
	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

type routerMetrics struct {
	requests  *prometheus.CounterVec
	failures  *prometheus.CounterVec
	cacheHits prometheus.Counter
	noVerdict prometheus.Counter
	latency   *prometheus.HistogramVec
}

var (
	routerMetricsInstance *routerMetrics
	routerMetricsOnce     sync.Once
)

func getRouterMetrics() *routerMetrics {
	routerMetricsOnce.Do(func() {
		routerMetricsInstance = &routerMetrics{
			requests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "analyst_requests_total",
				Help: "Analyst calls by analyst id",
			}, []string{"analyst"}),
			failures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "analyst_failures_total",
				Help: "Failed analyst calls by analyst id",
			}, []string{"analyst"}),
			cacheHits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "analyst_cache_hits_total",
				Help: "Verdicts served from the cache",
			}),
			noVerdict: promauto.NewCounter(prometheus.CounterOpts{
				Name: "analyst_no_verdict_total",
				Help: "Requests where every candidate was exhausted",
			}),
			latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "analyst_latency_seconds",
				Help:    "Analyst call latency",
				Buckets: prometheus.DefBuckets,
			}, []string{"analyst"}),
		}
	})
	return routerMetricsInstance
}

// member is one pooled analyst with its runtime controls.
type member struct {
	analyst Analyst
	cfg     config.AnalystConfig
	tracker *Tracker
	breaker *Breaker
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// Router selects analysts under the configured policy and falls back down
// the candidate list on failure. Exhausting every candidate yields an empty
// verdict set, not an error.
type Router struct {
	cfg     config.RouterConfig
	members []*member
	cache   *VerdictCache
	clk     clock.Clock
	log     zerolog.Logger
	m       *routerMetrics
}

// NewRouter builds a router over the analyst pool. cache may be nil.
// Each analyst must have a matching config entry by ID.
func NewRouter(cfg config.RouterConfig, pool []Analyst, analystCfgs []config.AnalystConfig, cache *VerdictCache, clk clock.Clock, log zerolog.Logger) (*Router, error) {
	byID := make(map[string]config.AnalystConfig, len(analystCfgs))
	for _, ac := range analystCfgs {
		byID[ac.ID] = ac
	}

	members := make([]*member, 0, len(pool))
	for _, a := range pool {
		ac, ok := byID[a.ID()]
		if !ok {
			return nil, fmt.Errorf("analyst %q has no configuration", a.ID())
		}
		capacity := int64(ac.Capacity)
		if capacity <= 0 {
			capacity = 1
		}
		rps := ac.RatePerSecond
		if rps <= 0 {
			rps = 1
		}
		members = append(members, &member{
			analyst: a,
			cfg:     ac,
			tracker: NewTracker(),
			breaker: NewBreaker(cfg.Circuit, clk),
			sem:     semaphore.NewWeighted(capacity),
			limiter: rate.NewLimiter(rate.Limit(rps), 1),
		})
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("analyst pool is empty")
	}

	return &Router{
		cfg:     cfg,
		members: members,
		cache:   cache,
		clk:     clk,
		log:     log.With().Str("component", "analyst_router").Logger(),
		m:       getRouterMetrics(),
	}, nil
}

// Tracker exposes one analyst's statistics, for health reporting.
func (r *Router) Tracker(analystID string) *Tracker {
	for _, m := range r.members {
		if m.analyst.ID() == analystID {
			return m.tracker
		}
	}
	return nil
}

// BreakerState exposes one analyst's circuit state.
func (r *Router) BreakerState(analystID string) CircuitState {
	for _, m := range r.members {
		if m.analyst.ID() == analystID {
			return m.breaker.State()
		}
	}
	return CircuitClosed
}

// Route answers an analysis request. Under consensus it fans out to K
// analysts and returns every verdict obtained; under the single-pick
// policies it returns at most one. An empty result means no_verdict.
func (r *Router) Route(ctx context.Context, req AnalysisRequest) ([]models.AnalystVerdict, error) {
	policy := req.Policy
	if policy == "" {
		policy = r.cfg.Policy
	}

	candidates := r.rank(policy)
	if len(candidates) == 0 {
		r.m.noVerdict.Inc()
		return nil, nil
	}

	if policy == config.PolicyConsensus {
		return r.routeConsensus(ctx, req, candidates)
	}

	for _, m := range candidates {
		v, err := r.callOne(ctx, m, req)
		if err == nil {
			return []models.AnalystVerdict{v}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.log.Debug().Err(err).Str("analyst", m.analyst.ID()).Msg("Analyst failed, falling back")
	}

	r.m.noVerdict.Inc()
	return nil, nil
}

func (r *Router) routeConsensus(ctx context.Context, req AnalysisRequest, candidates []*member) ([]models.AnalystVerdict, error) {
	k := r.cfg.ConsensusSize
	if k <= 0 {
		k = 3
	}
	if k > len(candidates) {
		k = len(candidates)
	}

	var (
		mu       sync.Mutex
		verdicts []models.AnalystVerdict
		wg       sync.WaitGroup
	)
	for _, m := range candidates[:k] {
		wg.Add(1)
		go func(m *member) {
			defer wg.Done()
			v, err := r.callOne(ctx, m, req)
			if err != nil {
				return
			}
			mu.Lock()
			verdicts = append(verdicts, v)
			mu.Unlock()
		}(m)
	}
	wg.Wait()

	if len(verdicts) == 0 {
		r.m.noVerdict.Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, nil
	}

	sort.Slice(verdicts, func(i, j int) bool { return verdicts[i].AnalystID < verdicts[j].AnalystID })
	return verdicts, nil
}

// rank orders pool members per policy, skipping analysts whose circuit is
// open. Ineligible members are appended after eligible ones so fallback can
// still reach them.
func (r *Router) rank(policy config.RoutingPolicy) []*member {
	avail := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		if m.breaker.State() == CircuitOpen {
			continue
		}
		avail = append(avail, m)
	}

	eligible := func(m *member) bool {
		if m.tracker.SuccessRate() < r.cfg.MinSuccessRate {
			return false
		}
		if policy == config.PolicyCostAware && r.cfg.SLAP95 > 0 && m.tracker.P95() > r.cfg.SLAP95 {
			return false
		}
		return true
	}

	switch policy {
	case config.PolicyCostAware:
		sort.SliceStable(avail, func(i, j int) bool {
			ei, ej := eligible(avail[i]), eligible(avail[j])
			if ei != ej {
				return ei
			}
			return avail[i].cfg.CostPer1K < avail[j].cfg.CostPer1K
		})
	case config.PolicyLatencyAware:
		sort.SliceStable(avail, func(i, j int) bool {
			ei, ej := eligible(avail[i]), eligible(avail[j])
			if ei != ej {
				return ei
			}
			return avail[i].tracker.P95() < avail[j].tracker.P95()
		})
	default: // accuracy_first and consensus
		score := func(m *member) float64 {
			return m.tracker.SuccessRate() * m.tracker.RecentConfidence()
		}
		sort.SliceStable(avail, func(i, j int) bool {
			return score(avail[i]) > score(avail[j])
		})
	}
	return avail
}

// callOne runs a single analyst call with cache, capacity, rate and circuit
// controls. Timeouts count as failures.
func (r *Router) callOne(ctx context.Context, m *member, req AnalysisRequest) (models.AnalystVerdict, error) {
	id := m.analyst.ID()
	packHash := req.Features.Hash()

	if r.cache != nil {
		if v, ok := r.cache.Get(ctx, id, packHash); ok {
			r.m.cacheHits.Inc()
			return v, nil
		}
	}

	if err := m.breaker.Allow(); err != nil {
		return models.AnalystVerdict{}, err
	}
	if err := m.limiter.Wait(ctx); err != nil {
		m.breaker.RecordFailure()
		return models.AnalystVerdict{}, err
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.breaker.RecordFailure()
		return models.AnalystVerdict{}, err
	}
	defer m.sem.Release(1)

	callCtx := ctx
	if r.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.cfg.RequestTimeout)
		defer cancel()
	}

	r.m.requests.WithLabelValues(id).Inc()
	start := r.clk.Now()
	v, err := m.analyst.Analyze(callCtx, req)
	elapsed := r.clk.Now().Sub(start)
	r.m.latency.WithLabelValues(id).Observe(elapsed.Seconds())

	if err != nil {
		m.tracker.Observe(elapsed, false)
		m.breaker.RecordFailure()
		r.m.failures.WithLabelValues(id).Inc()
		return models.AnalystVerdict{}, fmt.Errorf("analyst %s: %w", id, err)
	}

	m.tracker.Observe(elapsed, true)
	m.tracker.ObserveConfidence(v.Confidence)
	m.breaker.RecordSuccess()

	v.AnalystID = id
	v.Latency = elapsed
	if v.ProducedAt.IsZero() {
		v.ProducedAt = r.clk.Now()
	}

	if r.cache != nil {
		r.cache.Put(ctx, packHash, v)
	}
	return v, nil
}
