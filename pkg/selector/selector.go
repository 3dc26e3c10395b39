// Package selector picks the next fallback model from the configured
// chain, honoring cooldowns, circuit state, and the caller's attempted set.
package selector

import (
	"log/slog"
	"sync"

	"github.com/backstoplabs/backstop/pkg/core"
	"github.com/backstoplabs/backstop/pkg/resilience"
)

// Mode controls what happens when every candidate has been attempted.
type Mode string

const (
	// ModeCycle clears the attempted set and scans the chain again.
	ModeCycle Mode = "cycle"
	// ModeStop gives up once the chain is exhausted.
	ModeStop Mode = "stop"
	// ModeRetryLast re-attempts the final configured model before cycling.
	ModeRetryLast Mode = "retry-last"
)

// Valid reports whether the mode is one of the supported values.
func (m Mode) Valid() bool {
	switch m {
	case ModeCycle, ModeStop, ModeRetryLast:
		return true
	}
	return false
}

// Config is the selector's slice of the engine configuration.
type Config struct {
	Models          []core.ModelRef
	Mode            Mode
	HealthSelection bool
}

// Selection is a chosen fallback target. LastResort marks the retry-last
// branch so the caller can surface it differently.
type Selection struct {
	Model      core.ModelRef
	LastResort bool
}

// Deps are the stores the selector consults. Cooldowns is required; the
// others may be nil when their feature is disabled.
type Deps struct {
	Cooldowns   *resilience.Cooldown
	Breaker     *resilience.Breaker
	Health      *resilience.HealthTracker
	Prioritizer *Prioritizer
}

// Selector chooses fallback models. Safe for concurrent use.
type Selector struct {
	mu   sync.RWMutex
	cfg  Config
	deps Deps
	log  *slog.Logger
}

// New returns a selector over the given chain and stores.
func New(cfg Config, deps Deps) *Selector {
	if deps.Cooldowns == nil {
		deps.Cooldowns = resilience.NewCooldown(resilience.DefaultCooldown)
	}
	if !cfg.Mode.Valid() {
		cfg.Mode = ModeCycle
	}
	return &Selector{cfg: cfg, deps: deps, log: slog.Default()}
}

// UpdateConfig swaps the chain and mode. Cooldown and circuit state live in
// the shared stores and are untouched.
func (s *Selector) UpdateConfig(cfg Config) {
	if !cfg.Mode.Valid() {
		cfg.Mode = ModeCycle
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// SetBreaker swaps the circuit breaker, nil to disable circuit filtering.
func (s *Selector) SetBreaker(b *resilience.Breaker) {
	s.mu.Lock()
	s.deps.Breaker = b
	s.mu.Unlock()
}

// SetPrioritizer swaps the dynamic prioritizer, nil to disable it.
func (s *Selector) SetPrioritizer(p *Prioritizer) {
	s.mu.Lock()
	s.deps.Prioritizer = p
	s.mu.Unlock()
}

// Models returns the configured chain.
func (s *Selector) Models() []core.ModelRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.ModelRef, len(s.cfg.Models))
	copy(out, s.cfg.Models)
	return out
}

// Select picks the next fallback model after the current one hit a rate
// limit. The current model, when supplied, is marked limited and added to
// attempted (the caller's map is updated in place). A nil result means the
// chain is exhausted under the configured mode.
func (s *Selector) Select(currentProvider, currentModel string, attempted map[core.ModelRef]bool) *Selection {
	s.mu.RLock()
	cfg := s.cfg
	deps := s.deps
	s.mu.RUnlock()

	if len(cfg.Models) == 0 {
		return nil
	}
	if attempted == nil {
		attempted = make(map[core.ModelRef]bool)
	}

	current := core.ModelRef{Provider: currentProvider, Model: currentModel}
	if !current.IsZero() {
		deps.Cooldowns.MarkLimited(current)
		attempted[current] = true
	}

	if m := choose(cfg, deps, current, attempted, false); m != nil {
		return &Selection{Model: *m}
	}
	if len(attempted) == 0 {
		return nil
	}

	switch cfg.Mode {
	case ModeStop:
		s.log.Debug("selector.exhausted", "mode", string(cfg.Mode), "attempted", len(attempted))
		return nil

	case ModeRetryLast:
		last := cfg.Models[len(cfg.Models)-1]
		if last != current && !deps.Cooldowns.IsLimited(last) && circuitAvailable(deps.Breaker, last) {
			s.log.Info("selector.last_resort", "provider", last.Provider, "model", last.Model)
			return &Selection{Model: last, LastResort: true}
		}
	}

	// Cycle: forget every attempt except the model that just failed and
	// walk the chain from the top. ModeRetryLast lands here when the last
	// configured model cannot serve.
	cleared := make(map[core.ModelRef]bool, 1)
	if !current.IsZero() {
		cleared[current] = true
	}
	if m := choose(cfg, deps, current, cleared, true); m != nil {
		s.log.Debug("selector.cycled", "provider", m.Provider, "model", m.Model)
		return &Selection{Model: *m}
	}
	return nil
}

// choose applies one pass of the selection policy over the chain.
func choose(cfg Config, deps Deps, current core.ModelRef, attempted map[core.ModelRef]bool, fromStart bool) *core.ModelRef {
	available := make([]core.ModelRef, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		if attempted[m] || deps.Cooldowns.IsLimited(m) || !circuitAvailable(deps.Breaker, m) {
			continue
		}
		available = append(available, m)
	}
	if len(available) == 0 {
		return nil
	}

	if deps.Prioritizer != nil && deps.Prioritizer.Active() {
		ordered := deps.Prioritizer.Prioritize(available)
		pick := ordered[0]
		return &pick
	}
	if cfg.HealthSelection && deps.Health != nil {
		ordered := deps.Health.HealthiestFirst(available)
		pick := ordered[0]
		return &pick
	}

	// Positional scan: one past the current model, wrapping, first
	// available wins. Unknown current scans from the top.
	start := 0
	if !fromStart {
		if idx := indexOf(cfg.Models, current); idx >= 0 {
			start = idx + 1
		}
	}
	availableSet := make(map[core.ModelRef]bool, len(available))
	for _, m := range available {
		availableSet[m] = true
	}
	n := len(cfg.Models)
	for i := 0; i < n; i++ {
		m := cfg.Models[(start+i)%n]
		if availableSet[m] {
			pick := m
			return &pick
		}
	}
	return nil
}

func circuitAvailable(b *resilience.Breaker, m core.ModelRef) bool {
	return b == nil || b.Available(m)
}

func indexOf(models []core.ModelRef, m core.ModelRef) int {
	for i, candidate := range models {
		if candidate == m {
			return i
		}
	}
	return -1
}
