// Package config loads, validates and hot-reloads the orchestrator
// configuration from YAML and environment variables via viper.
package config

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config holds all application configuration. A loaded Config is immutable;
// hot reload swaps a pointer to a freshly validated snapshot.
type Config struct {
	App          AppConfig                   `mapstructure:"app"`
	Database     DatabaseConfig              `mapstructure:"database"`
	Redis        RedisConfig                 `mapstructure:"redis"`
	NATS         NATSConfig                  `mapstructure:"nats"`
	Feed         FeedConfig                  `mapstructure:"feed"`
	Trading      TradingConfig               `mapstructure:"trading"`
	Risk         RiskConfig                  `mapstructure:"risk"`
	Scorer       ScorerConfig                `mapstructure:"scorer"`
	Router       RouterConfig                `mapstructure:"router"`
	Analysts     []AnalystConfig             `mapstructure:"analysts"`
	Execution    ExecutionConfig             `mapstructure:"execution"`
	Orchestrator OrchestratorConfig          `mapstructure:"orchestrator"`
	Learning     LearningConfig              `mapstructure:"learning"`
	Instruments  map[string]InstrumentConfig `mapstructure:"instruments"`
	API          APIConfig                   `mapstructure:"api"`
	Monitoring   MonitoringConfig            `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	// Strict rejects configuration files containing unknown keys.
	Strict bool `mapstructure:"strict"`
}

// DatabaseConfig contains PostgreSQL settings for the state store.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// DSN renders the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// RedisConfig contains Redis settings for the verdict cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains event bus settings.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// FeedConfig contains the market data endpoints: a websocket kline stream
// and its REST sibling for backfill and server time.
type FeedConfig struct {
	WSURL   string `mapstructure:"ws_url"`
	RESTURL string `mapstructure:"rest_url"`
}

// TradingConfig contains account-level settings.
type TradingConfig struct {
	Mode    string  `mapstructure:"mode"` // "paper" or "live"
	Equity  float64 `mapstructure:"equity"`
	BaseCcy string  `mapstructure:"base_currency"`
}

// DrawdownBasis selects how the daily loss limit marks open positions.
type DrawdownBasis string

const (
	DrawdownRealized     DrawdownBasis = "realized"
	DrawdownMarkToMarket DrawdownBasis = "mark_to_market"
)

// RiskConfig contains the risk gate limits. All percentages are fractions
// (0.005 = 0.5%).
type RiskConfig struct {
	PerTradeRiskPct        float64       `mapstructure:"per_trade_risk_pct"`
	PortfolioRiskCap       float64       `mapstructure:"portfolio_risk_cap"`
	CorrelatedCap          float64       `mapstructure:"correlated_cap"`
	CorrelationThreshold   float64       `mapstructure:"correlation_threshold"`
	LeverageCap            float64       `mapstructure:"leverage_cap"`
	MaxPositionSizePct     float64       `mapstructure:"max_position_size_pct"`
	KellyScale             float64       `mapstructure:"kelly_scale"`
	DailyLossLimit         float64       `mapstructure:"daily_loss_limit"`
	MonthlyLossLimit       float64       `mapstructure:"monthly_loss_limit"`
	DrawdownBasis          DrawdownBasis `mapstructure:"drawdown_basis"`
	SafeModeCooldown       time.Duration `mapstructure:"safe_mode_cooldown"`
	SafeModeClosePositions bool          `mapstructure:"safe_mode_close_positions"`
	MaxAdjustments         int           `mapstructure:"max_adjustments"`
}

// ScorerWeights are the component weights of the confluence composite.
// They must sum to 1.0 within 1e-6.
type ScorerWeights struct {
	Trend      float64 `mapstructure:"trend"`
	Momentum   float64 `mapstructure:"momentum"`
	Volatility float64 `mapstructure:"volatility"`
	Volume     float64 `mapstructure:"volume"`
	Pattern    float64 `mapstructure:"pattern"`
	Analyst    float64 `mapstructure:"analyst"`
}

// Sum returns the total of all component weights.
func (w ScorerWeights) Sum() float64 {
	return w.Trend + w.Momentum + w.Volatility + w.Volume + w.Pattern + w.Analyst
}

// ScorerConfig contains confluence scorer settings.
type ScorerConfig struct {
	Weights                 ScorerWeights      `mapstructure:"weights"`
	EntryThreshold          float64            `mapstructure:"entry_threshold"`
	MinCalibratedConfidence float64            `mapstructure:"min_calibrated_confidence"`
	MinRiskReward           float64            `mapstructure:"min_risk_reward"`
	StopATRMultiple         float64            `mapstructure:"stop_atr_multiple"`
	SignalTTL               time.Duration      `mapstructure:"signal_ttl"`
	TimeframeBaseWeights    map[string]float64 `mapstructure:"timeframe_base_weights"`
}

// RoutingPolicy selects how the router picks analysts.
type RoutingPolicy string

const (
	PolicyAccuracyFirst RoutingPolicy = "accuracy_first"
	PolicyCostAware     RoutingPolicy = "cost_aware"
	PolicyLatencyAware  RoutingPolicy = "latency_aware"
	PolicyConsensus     RoutingPolicy = "consensus"
)

// CircuitConfig configures one circuit breaker.
type CircuitConfig struct {
	Failures int           `mapstructure:"failures"` // consecutive failures to trip
	Window   time.Duration `mapstructure:"window"`   // failure counting window
	Cooldown time.Duration `mapstructure:"cooldown"` // initial open duration
	Cap      time.Duration `mapstructure:"cap"`      // maximum open duration after doubling
}

// RouterConfig contains analyst router settings.
type RouterConfig struct {
	Policy         RoutingPolicy `mapstructure:"policy"`
	SLAP95         time.Duration `mapstructure:"sla_p95"`
	MinSuccessRate float64       `mapstructure:"min_success_rate"`
	ConsensusSize  int           `mapstructure:"consensus_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	Circuit        CircuitConfig `mapstructure:"circuit"`
}

// AnalystConfig declares one analyst in the pool.
type AnalystConfig struct {
	ID             string  `mapstructure:"id"`
	Endpoint       string  `mapstructure:"endpoint"`
	Model          string  `mapstructure:"model"`
	CostPer1K      float64 `mapstructure:"cost_per_1k_tokens"`
	Capacity       int     `mapstructure:"capacity"` // concurrent requests
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
}

// ExecutionConfig contains execution client settings.
type ExecutionConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Circuit        CircuitConfig `mapstructure:"circuit"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
}

// CadenceBounds limit how fast and slow the per-symbol scan cadence may go.
type CadenceBounds struct {
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`
}

// VolatilityThresholds drive cadence adaptation. Values are realized
// volatility percentiles in [0,1].
type VolatilityThresholds struct {
	High float64 `mapstructure:"high"`
	Low  float64 `mapstructure:"low"`
}

// OrchestratorConfig contains scheduler settings.
type OrchestratorConfig struct {
	CadenceBounds        CadenceBounds        `mapstructure:"cadence_bounds"`
	VolatilityThresholds VolatilityThresholds `mapstructure:"volatility_thresholds"`
	Concurrency          int                  `mapstructure:"concurrency"`
	TickDeadline         time.Duration        `mapstructure:"tick_deadline"`
	ConfigReloadInterval time.Duration        `mapstructure:"config_reload_interval"`
	MaxFeedGapBars       int                  `mapstructure:"max_feed_gap_bars"`
}

// BanditStrategy selects the exploration policy for pattern weights.
type BanditStrategy string

const (
	BanditEpsilonGreedy BanditStrategy = "epsilon_greedy"
	BanditUCB1          BanditStrategy = "ucb1"
)

// LearningConfig contains learning memory settings.
type LearningConfig struct {
	Strategy              BanditStrategy `mapstructure:"strategy"`
	Epsilon               float64        `mapstructure:"epsilon"` // exploration share for epsilon_greedy
	RecalibrationInterval time.Duration  `mapstructure:"recalibration_interval"`
	MinTradesForWeight    int            `mapstructure:"min_trades_for_weight"`
}

// InstrumentConfig declares one tradable symbol.
type InstrumentConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	Timeframes       []string `mapstructure:"timeframes"`
	Tick             string   `mapstructure:"tick"` // venue price increment, exact decimal
	Step             string   `mapstructure:"step"` // venue quantity increment, exact decimal
	CorrelationGroup string   `mapstructure:"correlation_group"`
}

// APIConfig contains control API settings.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load reads configuration from the given file (or the default search path)
// plus environment overrides, applies defaults and validates fully.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("CRYPTOHELM")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return unmarshal(v)
}

// unmarshal decodes a viper instance into a validated Config. Strict mode
// rejects unknown keys.
func unmarshal(v *viper.Viper) (*Config, error) {
	strict := v.GetBool("app.strict")

	var cfg Config
	opts := []viper.DecoderConfigOption{}
	if strict {
		opts = append(opts, func(dc *mapstructure.DecoderConfig) {
			dc.ErrorUnused = true
		})
	}
	if err := v.Unmarshal(&cfg, opts...); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "cryptohelm")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.strict", false)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "cryptohelm")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "cryptohelm")

	v.SetDefault("feed.ws_url", "ws://localhost:9443/ws")
	v.SetDefault("feed.rest_url", "http://localhost:9443/api")

	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.equity", 100000.0)
	v.SetDefault("trading.base_currency", "USD")

	v.SetDefault("risk.per_trade_risk_pct", 0.005)
	v.SetDefault("risk.portfolio_risk_cap", 0.15)
	v.SetDefault("risk.correlated_cap", 0.08)
	v.SetDefault("risk.correlation_threshold", 0.7)
	v.SetDefault("risk.leverage_cap", 3.0)
	v.SetDefault("risk.max_position_size_pct", 0.2)
	v.SetDefault("risk.kelly_scale", 0.5)
	v.SetDefault("risk.daily_loss_limit", 0.05)
	v.SetDefault("risk.monthly_loss_limit", 0.15)
	v.SetDefault("risk.drawdown_basis", "mark_to_market")
	v.SetDefault("risk.safe_mode_cooldown", "1h")
	v.SetDefault("risk.safe_mode_close_positions", false)
	v.SetDefault("risk.max_adjustments", 5)

	v.SetDefault("scorer.weights.trend", 0.25)
	v.SetDefault("scorer.weights.momentum", 0.20)
	v.SetDefault("scorer.weights.volatility", 0.10)
	v.SetDefault("scorer.weights.volume", 0.10)
	v.SetDefault("scorer.weights.pattern", 0.20)
	v.SetDefault("scorer.weights.analyst", 0.15)
	v.SetDefault("scorer.entry_threshold", 65.0)
	v.SetDefault("scorer.min_calibrated_confidence", 0.6)
	v.SetDefault("scorer.min_risk_reward", 1.5)
	v.SetDefault("scorer.stop_atr_multiple", 2.0)
	v.SetDefault("scorer.signal_ttl", "30m")
	v.SetDefault("scorer.timeframe_base_weights", map[string]float64{
		"15m": 0.15, "1h": 0.30, "4h": 0.35, "1d": 0.20,
	})

	v.SetDefault("router.policy", "accuracy_first")
	v.SetDefault("router.sla_p95", "3s")
	v.SetDefault("router.min_success_rate", 0.8)
	v.SetDefault("router.consensus_size", 3)
	v.SetDefault("router.request_timeout", "10s")
	v.SetDefault("router.cache_ttl", "5m")
	v.SetDefault("router.circuit.failures", 5)
	v.SetDefault("router.circuit.window", "30s")
	v.SetDefault("router.circuit.cooldown", "15s")
	v.SetDefault("router.circuit.cap", "4m")

	v.SetDefault("execution.max_retries", 3)
	v.SetDefault("execution.initial_backoff", "100ms")
	v.SetDefault("execution.max_backoff", "5s")
	v.SetDefault("execution.rate_per_second", 10.0)
	v.SetDefault("execution.circuit.failures", 5)
	v.SetDefault("execution.circuit.window", "30s")
	v.SetDefault("execution.circuit.cooldown", "30s")
	v.SetDefault("execution.circuit.cap", "5m")

	v.SetDefault("orchestrator.cadence_bounds.min", "15m")
	v.SetDefault("orchestrator.cadence_bounds.max", "4h")
	v.SetDefault("orchestrator.volatility_thresholds.high", 0.75)
	v.SetDefault("orchestrator.volatility_thresholds.low", 0.25)
	v.SetDefault("orchestrator.concurrency", 4)
	v.SetDefault("orchestrator.tick_deadline", "30s")
	v.SetDefault("orchestrator.config_reload_interval", "30s")
	v.SetDefault("orchestrator.max_feed_gap_bars", 3)

	v.SetDefault("learning.strategy", "ucb1")
	v.SetDefault("learning.epsilon", 0.1)
	v.SetDefault("learning.recalibration_interval", "24h")
	v.SetDefault("learning.min_trades_for_weight", 10)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8085)

	v.SetDefault("monitoring.prometheus_port", 9095)
	v.SetDefault("monitoring.enable_metrics", true)
}
