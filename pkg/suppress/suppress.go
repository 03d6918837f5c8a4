// Package suppress implements the echo-suppression engine (§4.E): an
// apply-epoch flag plus a cooldown window that together gate outbound
// capture while the bridge is actively mutating local bookmarks, and for a
// short tail afterward.
package suppress

import (
	"strconv"
	"time"

	"github.com/Runixs/local-event-gateway/pkg/types"
)

// CooldownMs is the default post-apply tail during which newly-observed
// local mutations are assumed to be echoes of the apply that just ran.
const CooldownMs = 3000

// Engine operates in-place on a types.SuppressionState, normally the one
// embedded in the durable state record.
type Engine struct {
	state *types.SuppressionState
	now   func() time.Time
}

// New wraps the given suppression state. now defaults to time.Now; tests may
// override it for deterministic timestamps.
func New(state *types.SuppressionState) *Engine {
	return &Engine{state: state, now: time.Now}
}

// WithClock overrides the engine's time source (test hook).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Suppressed reports whether outbound capture should currently be dropped:
// either the apply epoch is active, or the cooldown window has not expired.
func (e *Engine) Suppressed() bool {
	if e.state.ApplyEpoch {
		return true
	}
	if e.state.CooldownUntil != nil && *e.state.CooldownUntil > e.now().UnixMilli() {
		return true
	}
	return false
}

// SetApplyEpoch(true) timestamps EpochStartedAt. SetApplyEpoch(false) clears
// both EpochStartedAt and CooldownUntil.
func (e *Engine) SetApplyEpoch(active bool) {
	e.state.ApplyEpoch = active
	if active {
		ts := e.now().UTC().Format(time.RFC3339)
		e.state.EpochStartedAt = &ts
	} else {
		e.state.EpochStartedAt = nil
		e.state.CooldownUntil = nil
	}
}

// SetCooldown writes CooldownUntil = now + ms.
func (e *Engine) SetCooldown(ms int64) {
	until := e.now().UnixMilli() + ms
	e.state.CooldownUntil = &until
}

// RunApply wraps fn with the apply-epoch/cooldown discipline required of
// every inbound application cycle: epoch set before fn runs, cleared after
// (success or failure), followed by a CooldownMs tail.
func (e *Engine) RunApply(fn func() error) error {
	e.SetApplyEpoch(true)
	err := fn()
	e.SetApplyEpoch(false)
	e.SetCooldown(CooldownMs)
	return err
}

// CoerceCooldownUntil migrates a legacy cooldownUntil that may have been
// persisted as a numeric string by an older build. Returns the parsed epoch
// ms value, or nil if raw cannot be interpreted.
func CoerceCooldownUntil(raw string) *int64 {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
