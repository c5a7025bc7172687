package orchestrator

import (
	"context"
	"time"

	"github.com/cryptohelm/cryptohelm/internal/position"
)

// extendedCooldownFactor stretches the SAFE_MODE cooldown when the monthly
// loss limit, not just the daily one, is breached.
const extendedCooldownFactor = 4

// TriggerSafeMode puts the orchestrator into SAFE_MODE on operator request.
func (o *Orchestrator) TriggerSafeMode(ctx context.Context, reason string) {
	o.enterSafeMode(ctx, "operator: "+reason, false)
}

// SafeModeUntil reports when the current SAFE_MODE cooldown elapses. Zero
// when not in SAFE_MODE.
func (o *Orchestrator) SafeModeUntil() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.safeModeUntil
}

// enterSafeMode blocks new entries, cancels every working intent and, when
// configured, closes all open positions. Re-entering only extends the
// cooldown.
func (o *Orchestrator) enterSafeMode(ctx context.Context, reason string, extended bool) {
	cfg := o.cfgw.Current()
	cooldown := cfg.Risk.SafeModeCooldown
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	if extended {
		cooldown *= extendedCooldownFactor
	}
	until := o.clk.Now().Add(cooldown)

	o.mu.Lock()
	already := o.mode == ModeSafeMode
	o.mode = ModeSafeMode
	if until.After(o.safeModeUntil) {
		o.safeModeUntil = until
	}
	o.safeModeReason = reason
	until = o.safeModeUntil
	o.mu.Unlock()
	o.m.mode.Set(2)

	if already {
		return
	}

	o.log.Warn().Str("reason", reason).Time("until", until).Msg("SAFE_MODE entered")
	o.auditEvent(ctx, "safe_mode_entered", map[string]any{
		"reason":   reason,
		"until":    until.UTC().Format(time.RFC3339),
		"extended": extended,
	})
	if err := o.bus.PublishSafeMode(true, reason, until); err != nil {
		o.log.Debug().Err(err).Msg("SAFE_MODE publish failed")
	}

	o.cancelWorkingIntents(ctx)

	if cfg.Risk.SafeModeClosePositions {
		if err := o.positions.CloseAll(ctx, position.CloseSafeMode); err != nil {
			o.recordComponentError("position", err)
			o.log.Error().Err(err).Msg("SAFE_MODE close-out failed")
		}
	}
}

// cancelWorkingIntents submits a cancel for every intent the venue may
// still fill. Entry intents that die free their risk reservation through
// the pending reconciliation.
func (o *Orchestrator) cancelWorkingIntents(ctx context.Context) {
	intents, err := o.st.OpenIntents(ctx)
	if err != nil {
		o.recordComponentError("state_store", err)
		o.log.Error().Err(err).Msg("Open intent listing failed during SAFE_MODE")
		return
	}
	for _, intent := range intents {
		if intent.ReduceOnly {
			// exit intents keep working: SAFE_MODE reduces exposure,
			// never strands it
			continue
		}
		if _, err := o.exec.Cancel(ctx, intent.ClientID); err != nil {
			o.log.Warn().Err(err).Str("client_id", intent.ClientID).Msg("SAFE_MODE cancel failed")
		}
	}
}

// maybeExitSafeMode returns to running once the cooldown has elapsed and
// the loss limits are back within bounds.
func (o *Orchestrator) maybeExitSafeMode(ctx context.Context, now time.Time) {
	o.mu.Lock()
	inSafeMode := o.mode == ModeSafeMode
	until := o.safeModeUntil
	o.mu.Unlock()
	if !inSafeMode || now.Before(until) {
		return
	}
	if breached, _ := o.gate.LossLimitBreached(now); breached {
		// still over the limit: push the re-evaluation out one cooldown
		cooldown := o.cfgw.Current().Risk.SafeModeCooldown
		if cooldown <= 0 {
			cooldown = time.Hour
		}
		o.mu.Lock()
		o.safeModeUntil = now.Add(cooldown)
		o.mu.Unlock()
		return
	}

	o.mu.Lock()
	o.mode = ModeRunning
	o.safeModeUntil = time.Time{}
	o.safeModeReason = ""
	o.mu.Unlock()
	o.m.mode.Set(1)

	o.log.Info().Msg("SAFE_MODE cleared, resuming entries")
	o.auditEvent(ctx, "safe_mode_cleared", nil)
	if err := o.bus.PublishSafeMode(false, "cooldown elapsed", time.Time{}); err != nil {
		o.log.Debug().Err(err).Msg("SAFE_MODE publish failed")
	}
}
