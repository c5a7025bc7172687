package orchestrator

import (
	"context"
	"time"

	"github.com/cryptohelm/cryptohelm/internal/analyst"
	"github.com/cryptohelm/cryptohelm/internal/feed"
)

// Component health statuses.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthFailed   = "failed"
)

// componentError remembers the last failure seen from a component.
type componentError struct {
	err string
	at  time.Time
}

// ComponentHealth is one component's entry in the health report.
type ComponentHealth struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

// HealthReport is the orchestrator's health snapshot.
type HealthReport struct {
	Mode           Mode                     `json:"mode"`
	SafeModeUntil  time.Time                `json:"safe_mode_until,omitempty"`
	SafeModeReason string                   `json:"safe_mode_reason,omitempty"`
	Components     []ComponentHealth        `json:"components"`
	Cadence        map[string]time.Duration `json:"cadence"`
	OpenPositions  int                      `json:"open_positions"`
	OpenRisk       string                   `json:"open_risk"`
	Equity         string                   `json:"equity"`
}

// errorStaleness is how long a recorded component error keeps the component
// marked degraded.
const errorStaleness = 5 * time.Minute

// recordComponentError notes a component failure for the health surface.
func (o *Orchestrator) recordComponentError(name string, err error) {
	if err == nil {
		return
	}
	o.mu.Lock()
	o.compErrors[name] = componentError{err: err.Error(), at: o.clk.Now()}
	o.mu.Unlock()
}

// Health assembles the full health report: store reachability, per-symbol
// feed status, analyst circuit states and the recently recorded component
// errors.
func (o *Orchestrator) Health(ctx context.Context) HealthReport {
	now := o.clk.Now()

	o.mu.Lock()
	report := HealthReport{
		Mode:           o.mode,
		SafeModeUntil:  o.safeModeUntil,
		SafeModeReason: o.safeModeReason,
		Cadence:        make(map[string]time.Duration, len(o.cadence)),
	}
	symbols := make([]string, 0, len(o.cadence))
	for sym, c := range o.cadence {
		report.Cadence[sym] = c
		symbols = append(symbols, sym)
	}
	recent := make(map[string]componentError, len(o.compErrors))
	for name, ce := range o.compErrors {
		if now.Sub(ce.at) <= errorStaleness {
			recent[name] = ce
		}
	}
	o.mu.Unlock()

	storeHealth := ComponentHealth{Name: "state_store", Status: HealthOK}
	if err := o.st.Health(ctx); err != nil {
		storeHealth.Status = HealthFailed
		storeHealth.LastError = err.Error()
		storeHealth.LastErrorAt = now
	}
	report.Components = append(report.Components, storeHealth)

	for _, sym := range symbols {
		ch := ComponentHealth{Name: "feed/" + sym, Status: HealthOK}
		if o.ingestor.SymbolStatus(sym) == feed.StatusDegraded {
			ch.Status = HealthDegraded
		}
		report.Components = append(report.Components, ch)
	}

	cfg := o.cfgw.Current()
	for _, ac := range cfg.Analysts {
		ch := ComponentHealth{Name: "analyst/" + ac.ID, Status: HealthOK}
		if o.router.BreakerState(ac.ID) == analyst.CircuitOpen {
			ch.Status = HealthDegraded
		}
		report.Components = append(report.Components, ch)
	}

	for name, ce := range recent {
		report.Components = append(report.Components, ComponentHealth{
			Name:        name,
			Status:      HealthDegraded,
			LastError:   ce.err,
			LastErrorAt: ce.at,
		})
	}

	led := o.gate.Ledger()
	report.OpenPositions = len(o.positions.Snapshot())
	report.OpenRisk = led.OpenRisk().String()
	report.Equity = led.Equity().String()
	return report
}
