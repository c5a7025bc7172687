// Package bus publishes orchestrator events on NATS for external consumers:
// trading decisions, risk rejections, closed positions, SAFE_MODE transitions
// and configuration events. The stream mirrors the audit log; consumers that
// need tamper evidence read the audit chain instead.
package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/cryptohelm/cryptohelm/internal/clock"
	"github.com/cryptohelm/cryptohelm/internal/config"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// Subjects relative to the configured prefix.
const (
	SubjectDecision       = "signals.decision"
	SubjectRejection      = "signals.rejection"
	SubjectPositionClosed = "positions.closed"
	SubjectSafeMode       = "safe_mode"
	SubjectConfig         = "config"
)

// Envelope wraps every published event.
type Envelope struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Decision is an admitted signal together with the sized intent.
type Decision struct {
	Signal models.Signal      `json:"signal"`
	Intent models.OrderIntent `json:"intent"`
}

// Rejection is a risk gate refusal.
type Rejection struct {
	Signal models.Signal `json:"signal"`
	Code   string        `json:"code"`
	Reason string        `json:"reason"`
}

// PositionClosed reports a settled position.
type PositionClosed struct {
	Position models.Position `json:"position"`
	Reason   string          `json:"reason"`
}

// SafeModeEvent reports a SAFE_MODE transition.
type SafeModeEvent struct {
	Active bool      `json:"active"`
	Reason string    `json:"reason"`
	Until  time.Time `json:"until,omitempty"`
}

// ConfigEvent reports a configuration reload outcome.
type ConfigEvent struct {
	Accepted bool   `json:"accepted"`
	Detail   string `json:"detail,omitempty"`
}

// Bus is the event publication surface the orchestrator depends on.
type Bus interface {
	PublishDecision(sig models.Signal, intent models.OrderIntent) error
	PublishRejection(sig models.Signal, code, reason string) error
	PublishPositionClosed(pos models.Position, reason string) error
	PublishSafeMode(active bool, reason string, until time.Time) error
	PublishConfig(accepted bool, detail string) error
	Close()
}

type busMetrics struct {
	published *prometheus.CounterVec
	errors    prometheus.Counter
}

var (
	busMetricsInstance *busMetrics
	busMetricsOnce     sync.Once
)

func getBusMetrics() *busMetrics {
	busMetricsOnce.Do(func() {
		busMetricsInstance = &busMetrics{
			published: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "bus_events_published_total",
				Help: "Events published per subject",
			}, []string{"subject"}),
			errors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "bus_publish_errors_total",
				Help: "Failed event publications",
			}),
		}
	})
	return busMetricsInstance
}

// Publisher publishes events over a NATS connection.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	clk    clock.Clock
	log    zerolog.Logger
	m      *busMetrics
}

var _ Bus = (*Publisher)(nil)

// Connect dials NATS and returns a publisher over the connection.
func Connect(cfg config.NATSConfig, clk clock.Clock, log zerolog.Logger) (*Publisher, error) {
	log = log.With().Str("component", "bus").Logger()
	nc, err := nats.Connect(cfg.URL,
		nats.Name("cryptohelm"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", cfg.URL, err)
	}
	return NewPublisher(nc, cfg.SubjectPrefix, clk, log), nil
}

// NewPublisher wraps an existing connection; the caller owns nc's lifetime
// unless Close is used.
func NewPublisher(nc *nats.Conn, prefix string, clk clock.Clock, log zerolog.Logger) *Publisher {
	if prefix == "" {
		prefix = "cryptohelm"
	}
	return &Publisher{
		nc:     nc,
		prefix: prefix,
		clk:    clk,
		log:    log.With().Str("component", "bus").Logger(),
		m:      getBusMetrics(),
	}
}

func (p *Publisher) PublishDecision(sig models.Signal, intent models.OrderIntent) error {
	return p.publish(SubjectDecision, Decision{Signal: sig, Intent: intent})
}

func (p *Publisher) PublishRejection(sig models.Signal, code, reason string) error {
	return p.publish(SubjectRejection, Rejection{Signal: sig, Code: code, Reason: reason})
}

func (p *Publisher) PublishPositionClosed(pos models.Position, reason string) error {
	return p.publish(SubjectPositionClosed, PositionClosed{Position: pos, Reason: reason})
}

func (p *Publisher) PublishSafeMode(active bool, reason string, until time.Time) error {
	return p.publish(SubjectSafeMode, SafeModeEvent{Active: active, Reason: reason, Until: until})
}

func (p *Publisher) PublishConfig(accepted bool, detail string) error {
	return p.publish(SubjectConfig, ConfigEvent{Accepted: accepted, Detail: detail})
}

func (p *Publisher) publish(subject string, payload interface{}) error {
	if !p.nc.IsConnected() {
		p.m.errors.Inc()
		return fmt.Errorf("bus: not connected")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal %s: %w", subject, err)
	}
	env := Envelope{
		ID:      uuid.NewString(),
		Kind:    subject,
		TS:      p.clk.Now(),
		Payload: body,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope %s: %w", subject, err)
	}
	full := p.prefix + "." + subject
	if err := p.nc.Publish(full, data); err != nil {
		p.m.errors.Inc()
		return fmt.Errorf("bus: publish %s: %w", full, err)
	}
	p.m.published.WithLabelValues(subject).Inc()
	p.log.Debug().Str("subject", full).Str("event_id", env.ID).Msg("Event published")
	return nil
}

// Close flushes and closes the underlying connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Flush()
		p.nc.Close()
	}
}

// Noop discards every event; paper runs without a broker use it.
type Noop struct{}

var _ Bus = Noop{}

func (Noop) PublishDecision(models.Signal, models.OrderIntent) error { return nil }
func (Noop) PublishRejection(models.Signal, string, string) error    { return nil }
func (Noop) PublishPositionClosed(models.Position, string) error     { return nil }
func (Noop) PublishSafeMode(bool, string, time.Time) error           { return nil }
func (Noop) PublishConfig(bool, string) error                        { return nil }
func (Noop) Close()                                                  {}
