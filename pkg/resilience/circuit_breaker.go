// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"sync"
	"time"

	"github.com/backstoplabs/backstop/pkg/core"
)

// BreakerState represents the state of one model's circuit.
type BreakerState string

const (
	// StateClosed means the model is callable and failures are counted.
	StateClosed BreakerState = "closed"

	// StateOpen means the model is blocked until the open window elapses.
	StateOpen BreakerState = "open"

	// StateHalfOpen means a bounded number of probes may test the model.
	StateHalfOpen BreakerState = "half-open"
)

// StateRank maps a state to its gauge encoding (0=open, 1=half-open,
// 2=closed).
func StateRank(s BreakerState) int64 {
	switch s {
	case StateOpen:
		return 0
	case StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// BreakerConfig configures the per-model circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a circuit.
	FailureThreshold int

	// OpenDuration is how long an open circuit blocks before allowing probes.
	OpenDuration time.Duration

	// HalfOpenMaxProbes caps concurrent probe permits in half-open.
	HalfOpenMaxProbes int

	// CountRateLimits includes rate-limit failures in the consecutive count.
	// Left false, circuits open only on hard errors.
	CountRateLimits bool
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.HalfOpenMaxProbes < 1 {
		c.HalfOpenMaxProbes = 1
	}
	return c
}

// TransitionHook observes circuit state changes. It runs outside the
// breaker lock and must not block for long.
type TransitionHook func(model core.ModelRef, from, to BreakerState)

type modelCircuit struct {
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	probesInFlight      int
	lastTouched         time.Time
}

// CircuitSnapshot is a read-only view of one model's circuit.
type CircuitSnapshot struct {
	State               BreakerState
	ConsecutiveFailures int
	OpenedAt            time.Time
	ProbesInFlight      int
}

// Breaker keeps an independent circuit per model. Models the breaker has
// never seen are implicitly closed.
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	circuits map[core.ModelRef]*modelCircuit
	hook     TransitionHook
	now      func() time.Time
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:      cfg.withDefaults(),
		circuits: make(map[core.ModelRef]*modelCircuit),
		now:      time.Now,
	}
}

// OnTransition registers a hook observing state changes. Only one hook is
// held; a later call replaces it.
func (b *Breaker) OnTransition(hook TransitionHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = hook
}

type transition struct {
	model    core.ModelRef
	from, to BreakerState
}

// CanExecute reports whether the model may be called. An open circuit past
// its open window demotes to half-open here, and half-open grants probe
// permits up to the configured cap. A granted permit is released by the
// next RecordSuccess or RecordFailure for the model.
func (b *Breaker) CanExecute(model core.ModelRef) bool {
	b.mu.Lock()
	var fired []transition

	mc, ok := b.circuits[model]
	if !ok {
		b.mu.Unlock()
		return true
	}
	mc.lastTouched = b.now()
	b.advanceLocked(model, mc, &fired)

	allowed := false
	switch mc.state {
	case StateClosed:
		allowed = true
	case StateHalfOpen:
		if mc.probesInFlight < b.cfg.HalfOpenMaxProbes {
			mc.probesInFlight++
			allowed = true
		}
	}
	hook := b.hook
	b.mu.Unlock()

	fire(hook, fired)
	return allowed
}

// Available reports whether the model could be called right now without
// taking a probe permit. Selection code filters candidates with this and
// leaves CanExecute to the caller that actually issues the request.
func (b *Breaker) Available(model core.ModelRef) bool {
	b.mu.Lock()
	var fired []transition

	mc, ok := b.circuits[model]
	if !ok {
		b.mu.Unlock()
		return true
	}
	b.advanceLocked(model, mc, &fired)

	available := false
	switch mc.state {
	case StateClosed:
		available = true
	case StateHalfOpen:
		available = mc.probesInFlight < b.cfg.HalfOpenMaxProbes
	}
	hook := b.hook
	b.mu.Unlock()

	fire(hook, fired)
	return available
}

// RecordSuccess clears the failure run. In half-open it closes the circuit.
func (b *Breaker) RecordSuccess(model core.ModelRef) {
	b.mu.Lock()
	var fired []transition

	mc, ok := b.circuits[model]
	if !ok {
		b.mu.Unlock()
		return
	}
	mc.lastTouched = b.now()
	b.advanceLocked(model, mc, &fired)

	switch mc.state {
	case StateHalfOpen:
		fired = append(fired, transition{model, mc.state, StateClosed})
		mc.state = StateClosed
		mc.consecutiveFailures = 0
		mc.probesInFlight = 0
	case StateClosed:
		mc.consecutiveFailures = 0
	}
	hook := b.hook
	b.mu.Unlock()

	fire(hook, fired)
}

// RecordFailure applies a failure. Rate-limit failures count only when the
// config says so. In half-open any counted failure reopens the circuit; in
// closed the consecutive count may cross the threshold and open it.
func (b *Breaker) RecordFailure(model core.ModelRef, isRateLimit bool) {
	if isRateLimit && !b.countRateLimits() {
		return
	}

	b.mu.Lock()
	var fired []transition

	mc, ok := b.circuits[model]
	if !ok {
		mc = &modelCircuit{state: StateClosed}
		b.circuits[model] = mc
	}
	mc.lastTouched = b.now()
	b.advanceLocked(model, mc, &fired)

	switch mc.state {
	case StateHalfOpen:
		fired = append(fired, transition{model, mc.state, StateOpen})
		mc.state = StateOpen
		mc.openedAt = b.now()
		mc.probesInFlight = 0
	case StateClosed:
		mc.consecutiveFailures++
		if mc.consecutiveFailures >= b.cfg.FailureThreshold {
			fired = append(fired, transition{model, mc.state, StateOpen})
			mc.state = StateOpen
			mc.openedAt = b.now()
			mc.consecutiveFailures = 0
			mc.probesInFlight = 0
		}
	}
	hook := b.hook
	b.mu.Unlock()

	fire(hook, fired)
}

// State returns the model's current logical state, demoting an expired open
// circuit to half-open on the way.
func (b *Breaker) State(model core.ModelRef) BreakerState {
	b.mu.Lock()
	var fired []transition

	mc, ok := b.circuits[model]
	if !ok {
		b.mu.Unlock()
		return StateClosed
	}
	b.advanceLocked(model, mc, &fired)
	state := mc.state
	hook := b.hook
	b.mu.Unlock()

	fire(hook, fired)
	return state
}

// UpdateConfig replaces thresholds without resetting per-model state.
func (b *Breaker) UpdateConfig(cfg BreakerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg.withDefaults()
}

// Snapshot returns a copy of every tracked circuit.
func (b *Breaker) Snapshot() map[core.ModelRef]CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := make(map[core.ModelRef]CircuitSnapshot, len(b.circuits))
	for model, mc := range b.circuits {
		snap[model] = CircuitSnapshot{
			State:               mc.state,
			ConsecutiveFailures: mc.consecutiveFailures,
			OpenedAt:            mc.openedAt,
			ProbesInFlight:      mc.probesInFlight,
		}
	}
	return snap
}

// Reset drops every circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.circuits = make(map[core.ModelRef]*modelCircuit)
}

// CleanupStale removes circuits untouched for ttl and returns how many were
// dropped.
func (b *Breaker) CleanupStale(ttl time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for model, mc := range b.circuits {
		if now.Sub(mc.lastTouched) > ttl {
			delete(b.circuits, model)
			removed++
		}
	}
	return removed
}

func (b *Breaker) countRateLimits() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.CountRateLimits
}

// advanceLocked applies the time-based open → half-open demotion.
func (b *Breaker) advanceLocked(model core.ModelRef, mc *modelCircuit, fired *[]transition) {
	if mc.state == StateOpen && b.now().Sub(mc.openedAt) >= b.cfg.OpenDuration {
		*fired = append(*fired, transition{model, mc.state, StateHalfOpen})
		mc.state = StateHalfOpen
		mc.probesInFlight = 0
		mc.consecutiveFailures = 0
	}
}

func fire(hook TransitionHook, fired []transition) {
	if hook == nil {
		return
	}
	for _, tr := range fired {
		hook(tr.model, tr.from, tr.to)
	}
}
