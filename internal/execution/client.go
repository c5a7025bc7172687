package execution

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/cryptohelm/cryptohelm/internal/clock"
	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/internal/risk"
	"github.com/cryptohelm/cryptohelm/internal/store"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// Venue is the exchange contract the client drives. All operations are
// keyed by client_id; the venue declares its price and quantity increments.
type Venue interface {
	Submit(ctx context.Context, intent models.OrderIntent) (models.ExecutionRecord, error)
	Cancel(ctx context.Context, clientID string) (models.ExecutionRecord, error)
	Query(ctx context.Context, clientID string) (models.ExecutionRecord, error)
	TickSize(symbol string) decimal.Decimal
	StepSize(symbol string) decimal.Decimal
}

type clientMetrics struct {
	submitted prometheus.Counter
	retries   prometheus.Counter
	failures  *prometheus.CounterVec
	breaker   prometheus.Gauge
}

var (
	clientMetricsInstance *clientMetrics
	clientMetricsOnce     sync.Once
)

func getClientMetrics() *clientMetrics {
	clientMetricsOnce.Do(func() {
		clientMetricsInstance = &clientMetrics{
			submitted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "execution_orders_submitted_total",
				Help: "Orders accepted by the venue",
			}),
			retries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "execution_retries_total",
				Help: "Venue operations retried after transient failures",
			}),
			failures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "execution_failures_total",
				Help: "Terminal venue operation failures",
			}, []string{"op"}),
			breaker: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "execution_venue_breaker_state",
				Help: "Venue circuit breaker state (0=closed, 1=open, 2=half_open)",
			}),
		}
	})
	return clientMetricsInstance
}

// Client submits, cancels and queries orders with at-most-once semantics.
// The intent row is persisted before the first venue call; the unique
// client_id constraint in the store linearizes concurrent submissions.
type Client struct {
	venue   Venue
	st      store.StateStore
	cfg     config.ExecutionConfig
	brk     *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	clk     clock.Clock
	log     zerolog.Logger
	m       *clientMetrics
}

// NewClient wires the execution client over a venue and the state store.
func NewClient(venue Venue, st store.StateStore, cfg config.ExecutionConfig, clk clock.Clock, log zerolog.Logger) *Client {
	m := getClientMetrics()
	brk := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "venue",
		MaxRequests: 1,
		Interval:    cfg.Circuit.Window,
		Timeout:     cfg.Circuit.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return int(c.ConsecutiveFailures) >= cfg.Circuit.Failures
		},
		// permanent errors are healthy venue responses; only transient
		// failures count against the circuit
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			switch to {
			case gobreaker.StateClosed:
				m.breaker.Set(0)
			case gobreaker.StateOpen:
				m.breaker.Set(1)
			case gobreaker.StateHalfOpen:
				m.breaker.Set(2)
			}
		},
	})

	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		venue:   venue,
		st:      st,
		cfg:     cfg,
		brk:     brk,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		clk:     clk,
		log:     log.With().Str("component", "execution").Logger(),
		m:       m,
	}
}

// Submit persists the intent and delivers it to the venue. Calling Submit
// again with the same client_id, in this process or after a restart, never
// creates a second venue order.
func (c *Client) Submit(ctx context.Context, intent models.OrderIntent) (models.ExecutionRecord, error) {
	intent = c.round(intent)
	if err := intent.Validate(); err != nil {
		return models.ExecutionRecord{}, fmt.Errorf("execution: submit: %w", err)
	}

	if err := c.st.SaveIntent(ctx, intent); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return models.ExecutionRecord{}, fmt.Errorf("execution: persist intent %s: %w", intent.ClientID, err)
		}
		// intent already persisted: a previous attempt may have reached
		// the venue, so reconcile instead of re-submitting blindly
		if rec, err := c.reconcile(ctx, intent.ClientID); err == nil {
			return rec, nil
		} else if !errors.Is(err, ErrUnknownOrder) {
			return models.ExecutionRecord{}, err
		}
		// venue never saw it: fall through and submit the same client_id
	}

	rec, err := c.callWithRetry(ctx, "submit", intent.ClientID, func(ctx context.Context) (models.ExecutionRecord, error) {
		return c.venue.Submit(ctx, intent)
	})
	if errors.Is(err, ErrDuplicateOrder) {
		// lost the race against an earlier in-flight attempt; the
		// existing venue order is the outcome
		return c.reconcile(ctx, intent.ClientID)
	}
	if err != nil {
		c.m.failures.WithLabelValues("submit").Inc()
		if IsTransient(err) {
			// retries exhausted, but the last attempt may have reached the
			// venue with the response lost; the venue decides whether an
			// order exists before the intent is declared dead
			switch rec, qerr := c.venue.Query(ctx, intent.ClientID); {
			case qerr == nil:
				if saveErr := c.st.SaveExecution(ctx, rec); saveErr != nil {
					return rec, fmt.Errorf("execution: persist execution %s: %w", rec.ClientID, saveErr)
				}
				c.m.submitted.Inc()
				c.log.Warn().
					Str("client_id", intent.ClientID).
					Str("status", string(rec.Status)).
					Msg("Recovered venue order after lost submit response")
				return rec, nil
			case !errors.Is(qerr, ErrUnknownOrder):
				// venue unreachable: leave the intent non-terminal so
				// Rehydrate resolves it once the venue answers again
				return models.ExecutionRecord{}, err
			}
		}
		rejected := models.ExecutionRecord{
			ClientID:     intent.ClientID,
			Status:       models.OrderStatusRejected,
			RemainingQty: intent.Quantity,
			RejectReason: err.Error(),
			LastUpdate:   c.clk.Now(),
		}
		if saveErr := c.st.SaveExecution(ctx, rejected); saveErr != nil {
			c.log.Error().Err(saveErr).Str("client_id", intent.ClientID).Msg("Failed to persist rejected execution")
		}
		return rejected, err
	}

	if err := c.st.SaveExecution(ctx, rec); err != nil {
		return rec, fmt.Errorf("execution: persist execution %s: %w", rec.ClientID, err)
	}
	c.m.submitted.Inc()
	c.log.Info().
		Str("client_id", intent.ClientID).
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Str("qty", intent.Quantity.String()).
		Msg("Order submitted")
	return rec, nil
}

// Cancel asks the venue to cancel the remaining quantity. The venue is the
// server of truth: whatever state it reports after the cancel, including a
// fill that raced ahead of it, is persisted as-is.
func (c *Client) Cancel(ctx context.Context, clientID string) (models.ExecutionRecord, error) {
	rec, err := c.callWithRetry(ctx, "cancel", clientID, func(ctx context.Context) (models.ExecutionRecord, error) {
		return c.venue.Cancel(ctx, clientID)
	})
	if err != nil {
		if !errors.Is(err, ErrUnknownOrder) {
			c.m.failures.WithLabelValues("cancel").Inc()
		}
		return models.ExecutionRecord{}, err
	}
	if err := c.st.SaveExecution(ctx, rec); err != nil {
		return rec, fmt.Errorf("execution: persist execution %s: %w", clientID, err)
	}
	return rec, nil
}

// Query refreshes the stored record from the venue.
func (c *Client) Query(ctx context.Context, clientID string) (models.ExecutionRecord, error) {
	return c.reconcile(ctx, clientID)
}

// Rehydrate restores execution state after a restart: every intent without
// a terminal execution record is queried at the venue; known orders are
// re-persisted, unknown ones are re-submitted with their original
// client_id. At most one venue order exists per intent afterwards.
func (c *Client) Rehydrate(ctx context.Context) error {
	intents, err := c.st.OpenIntents(ctx)
	if err != nil {
		return fmt.Errorf("execution: list open intents: %w", err)
	}
	for _, intent := range intents {
		if _, err := c.reconcile(ctx, intent.ClientID); err == nil {
			c.log.Info().Str("client_id", intent.ClientID).Msg("Rehydrated order from venue")
			continue
		} else if !errors.Is(err, ErrUnknownOrder) {
			return err
		}
		if _, err := c.Submit(ctx, intent); err != nil {
			c.log.Error().Err(err).Str("client_id", intent.ClientID).Msg("Re-submit after restart failed")
		}
	}
	return nil
}

// reconcile queries the venue and persists the reported state.
func (c *Client) reconcile(ctx context.Context, clientID string) (models.ExecutionRecord, error) {
	rec, err := c.callWithRetry(ctx, "query", clientID, func(ctx context.Context) (models.ExecutionRecord, error) {
		return c.venue.Query(ctx, clientID)
	})
	if err != nil {
		return models.ExecutionRecord{}, err
	}
	if err := c.st.SaveExecution(ctx, rec); err != nil {
		return rec, fmt.Errorf("execution: persist execution %s: %w", clientID, err)
	}
	return rec, nil
}

// callWithRetry runs one venue operation through the rate limiter and the
// circuit breaker, retrying transient failures with jittered exponential
// backoff. Permanent errors return immediately.
func (c *Client) callWithRetry(ctx context.Context, op, clientID string, call func(context.Context) (models.ExecutionRecord, error)) (models.ExecutionRecord, error) {
	backoff := c.cfg.InitialBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return models.ExecutionRecord{}, fmt.Errorf("execution: %s %s: %w", op, clientID, err)
		}

		res, err := c.brk.Execute(func() (interface{}, error) {
			return call(ctx)
		})
		if err == nil {
			return res.(models.ExecutionRecord), nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = TransientError(op, clientID, err)
		}
		if !IsTransient(err) {
			return models.ExecutionRecord{}, err
		}
		lastErr = err

		if attempt == c.cfg.MaxRetries {
			break
		}
		c.m.retries.Inc()
		c.log.Warn().
			Err(err).
			Str("client_id", clientID).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Venue operation failed, retrying")

		select {
		case <-ctx.Done():
			return models.ExecutionRecord{}, fmt.Errorf("execution: %s %s: %w", op, clientID, ctx.Err())
		case <-c.clk.After(jitter(backoff)):
		}
		backoff *= 2
		if c.cfg.MaxBackoff > 0 && backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
	return models.ExecutionRecord{}, fmt.Errorf("execution: %s %s exhausted %d attempts: %w",
		op, clientID, c.cfg.MaxRetries+1, lastErr)
}

// round snaps quantity and prices to the venue increments, always in the
// direction that cannot increase the admitted risk.
func (c *Client) round(intent models.OrderIntent) models.OrderIntent {
	step := c.venue.StepSize(intent.Symbol)
	tick := c.venue.TickSize(intent.Symbol)
	intent.Quantity = risk.AlignQuantity(intent.Quantity, step)
	if intent.LimitPrice.IsPositive() {
		intent.LimitPrice = risk.AlignPriceConservative(intent.LimitPrice, tick, intent.Side == models.OrderSideSell)
	}
	if intent.StopPrice.IsPositive() {
		// stops round toward the entry side so the protective level
		// triggers no later than requested
		intent.StopPrice = risk.AlignPriceConservative(intent.StopPrice, tick, intent.Side == models.OrderSideBuy)
	}
	return intent
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}
