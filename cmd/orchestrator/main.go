// Command orchestrator runs the trading core: feed ingestion, the scan
// pipeline, risk gating, execution and the control API, wired from one
// configuration file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cryptohelm/cryptohelm/internal/analyst"
	"github.com/cryptohelm/cryptohelm/internal/api"
	"github.com/cryptohelm/cryptohelm/internal/audit"
	"github.com/cryptohelm/cryptohelm/internal/bus"
	"github.com/cryptohelm/cryptohelm/internal/clock"
	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/internal/execution"
	"github.com/cryptohelm/cryptohelm/internal/feed"
	"github.com/cryptohelm/cryptohelm/internal/indicators"
	"github.com/cryptohelm/cryptohelm/internal/learning"
	"github.com/cryptohelm/cryptohelm/internal/metrics"
	"github.com/cryptohelm/cryptohelm/internal/orchestrator"
	"github.com/cryptohelm/cryptohelm/internal/patterns"
	"github.com/cryptohelm/cryptohelm/internal/position"
	"github.com/cryptohelm/cryptohelm/internal/risk"
	"github.com/cryptohelm/cryptohelm/internal/scorer"
	"github.com/cryptohelm/cryptohelm/internal/store"
)

const (
	paperFeeRate     = "0.0004"
	shutdownDeadline = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "", "Path to the configuration file")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if err := run(*configPath, log); err != nil {
		log.Fatal().Err(err).Msg("Orchestrator failed")
	}
}

func run(configPath string, log zerolog.Logger) error {
	cfgw, err := config.NewWatcher(configPath, log)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgw.Current()

	if level, err := zerolog.ParseLevel(cfg.App.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Info().
		Str("environment", cfg.App.Environment).
		Str("mode", cfg.Trading.Mode).
		Msg("Starting cryptohelm orchestrator")

	clk := clock.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	cache := openVerdictCache(ctx, cfg, log)
	eventBus := openBus(cfg, clk, log)
	defer eventBus.Close()

	pool := make([]analyst.Analyst, 0, len(cfg.Analysts))
	for _, ac := range cfg.Analysts {
		pool = append(pool, analyst.NewHTTPAnalyst(ac, clk, log,
			analyst.WithAPIKey(os.Getenv("CRYPTOHELM_ANALYST_API_KEY"))))
	}
	router, err := analyst.NewRouter(cfg.Router, pool, cfg.Analysts, cache, clk, log)
	if err != nil {
		return fmt.Errorf("build analyst router: %w", err)
	}

	marketFeed := feed.NewWebsocketFeed(cfg.Feed.WSURL, cfg.Feed.RESTURL, log)
	ingCfg := feed.DefaultIngestorConfig()
	if cfg.Orchestrator.MaxFeedGapBars > 0 {
		ingCfg.MaxGapBars = cfg.Orchestrator.MaxFeedGapBars
	}
	ingestor := feed.NewIngestor(marketFeed, ingCfg, clk, log)

	calibrator := scorer.NewCalibrator()
	memory := learning.NewMemory(cfg.Learning, st, calibrator, clk, log, time.Now().UnixNano())
	conf := scorer.NewScorer(cfg.Scorer, memory, calibrator, clk, log)

	ledger := risk.NewLedger(decimal.NewFromFloat(cfg.Trading.Equity), clk.Now())
	gate := risk.NewGate(cfg.Risk, cfg.Instruments, ledger, memory, clk, log)

	venue, err := openVenue(cfg, clk)
	if err != nil {
		return err
	}
	exec := execution.NewClient(venue, st, cfg.Execution, clk, log)
	positions := position.NewManager(exec, st, ledger, cfg.Risk.MaxAdjustments, clk, log)

	orch, err := orchestrator.New(orchestrator.Deps{
		Config:    cfgw,
		Ingestor:  ingestor,
		Engine:    indicators.NewEngine(0),
		Detector:  patterns.NewDetector(memory, log),
		Router:    router,
		Scorer:    conf,
		Gate:      gate,
		Exec:      exec,
		Positions: positions,
		Memory:    memory,
		Store:     st,
		Audit:     audit.NewChain(st, clk, log),
		Bus:       eventBus,
		Clock:     clk,
		Log:       log,
	})
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	var metricsSrv *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsSrv = metrics.NewServer(cfg.Monitoring.PrometheusPort, st.Health, log)
		if err := metricsSrv.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	apiSrv := api.NewServer(api.Config{
		Host:      cfg.API.Host,
		Port:      cfg.API.Port,
		Control:   orch,
		Positions: positions,
		Audit:     st,
		Log:       log,
	})
	go func() {
		if err := apiSrv.Start(); err != nil {
			log.Error().Err(err).Msg("Control API stopped")
		}
	}()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	if err := orch.Stop(shutdownDeadline); err != nil {
		log.Error().Err(err).Msg("Orchestrator stop exceeded deadline")
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiSrv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Control API shutdown failed")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}

	log.Info().Msg("Shutdown complete")
	return nil
}

// openStore selects the state store: Postgres in live mode, with an
// in-memory fallback only for paper trading.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.StateStore, error) {
	pg, err := store.NewPostgres(ctx, cfg.Database, log)
	if err == nil {
		return pg, nil
	}
	if cfg.Trading.Mode == "live" {
		return nil, fmt.Errorf("connect postgres (required in live mode): %w", err)
	}
	log.Warn().Err(err).Msg("Postgres unavailable, using in-memory store (paper mode)")
	return store.NewMemory(), nil
}

// openVerdictCache connects the Redis verdict cache; the router works
// without one, just slower and costlier.
func openVerdictCache(ctx context.Context, cfg *config.Config, log zerolog.Logger) *analyst.VerdictCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unavailable, verdict cache disabled")
		return nil
	}
	return analyst.NewVerdictCache(rdb, cfg.Router.CacheTTL, log)
}

// openBus connects NATS; decisions still flow without it, only the event
// feed goes dark.
func openBus(cfg *config.Config, clk clock.Clock, log zerolog.Logger) bus.Bus {
	b, err := bus.Connect(cfg.NATS, clk, log)
	if err != nil {
		log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable, events disabled")
		return bus.Noop{}
	}
	return b
}

// openVenue returns the execution venue for the configured trading mode.
func openVenue(cfg *config.Config, clk clock.Clock) (execution.Venue, error) {
	switch cfg.Trading.Mode {
	case "paper":
		venue := execution.NewPaperVenue(clk, decimal.RequireFromString(paperFeeRate), true)
		for sym := range cfg.Instruments {
			venue.SetIncrements(sym, cfg.TickSize(sym), cfg.StepSize(sym))
		}
		return venue, nil
	case "live":
		// live connectivity ships separately; refuse to start rather than
		// silently paper-trade real capital
		return nil, fmt.Errorf("trading.mode live requires a venue adapter, none is configured")
	default:
		return nil, fmt.Errorf("unknown trading mode %q", cfg.Trading.Mode)
	}
}
