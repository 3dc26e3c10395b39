// SPDX-License-Identifier: Apache-2.0

// Package engine wires the fallback pipeline together: it classifies host
// events, gates concurrent orchestrations per session, picks replacement
// models through the selector, and drives the re-prompt against the host.
// One Engine serves one host connection; all methods are safe for
// concurrent use.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backstoplabs/backstop/pkg/core"
	"github.com/backstoplabs/backstop/pkg/host"
	"github.com/backstoplabs/backstop/pkg/patterns"
	"github.com/backstoplabs/backstop/pkg/resilience"
	"github.com/backstoplabs/backstop/pkg/retry"
	"github.com/backstoplabs/backstop/pkg/selector"
	"github.com/backstoplabs/backstop/pkg/session"
	"github.com/backstoplabs/backstop/pkg/telemetry"
)

// agentSettleDelay is the pause between aborting a session bound to a
// custom agent and re-prompting it. Hosts need a beat to tear the old
// generation down before a prompt with an agent binding lands.
const agentSettleDelay = 300 * time.Millisecond

// Engine is the fallback orchestrator. Construct with New, feed it host
// events via HandleEvent, and stop it with Destroy.
type Engine struct {
	cfg atomic.Pointer[Config]

	patterns  *patterns.Registry
	cooldowns *resilience.Cooldown
	health    *resilience.HealthTracker
	retries   *retry.Manager
	selector  *selector.Selector
	sessions  *session.Store
	tracker   *session.Tracker
	locks     *session.Locks

	// mu guards the swappable subsystems: config reloads may replace the
	// breaker and prioritizer while orchestrations read them.
	mu          sync.RWMutex
	breaker     *resilience.Breaker
	prioritizer *selector.Prioritizer
	janitor     *Janitor

	host    host.Adapter
	metrics *telemetry.FallbackMetrics
	journal Journal
	log     *slog.Logger

	destroyed atomic.Bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	agentSettle time.Duration
}

// Option customizes an Engine at construction.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics sets the fallback metrics sink. A nil sink records nothing.
func WithMetrics(m *telemetry.FallbackMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithJournal sets the lifecycle journal. A nil journal records nothing.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithPatterns replaces the default pattern registry, for callers that
// pre-register custom error patterns.
func WithPatterns(r *patterns.Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.patterns = r
		}
	}
}

// New builds an engine over the host adapter. The config is validated and
// corrected field by field; corrections are logged at warn level.
func New(cfg Config, hostAdapter host.Adapter, opts ...Option) *Engine {
	e := &Engine{
		patterns:    patterns.NewRegistry(),
		host:        hostAdapter,
		log:         telemetry.Logger("engine"),
		now:         time.Now,
		sleep:       sleepContext,
		agentSettle: agentSettleDelay,
	}
	for _, opt := range opts {
		opt(e)
	}

	norm, fixes := cfg.withDefaults()
	for _, fix := range fixes {
		e.log.Warn("engine.config.corrected", "detail", fix)
	}
	e.cfg.Store(&norm)

	e.cooldowns = resilience.NewCooldown(norm.Cooldown)
	e.health = resilience.NewHealthTracker()
	e.retries = retry.NewManager(norm.RetryPolicy)
	e.sessions = session.NewStore()
	e.tracker = session.NewTracker()
	e.locks = session.NewLocks(0, 0)

	if norm.CircuitBreaker.Enabled {
		e.breaker = resilience.NewBreaker(norm.CircuitBreaker.breakerConfig())
		e.breaker.OnTransition(e.onCircuitTransition)
	}
	if norm.DynamicPrioritization.Enabled {
		e.prioritizer = selector.NewPrioritizer(norm.DynamicPrioritization.prioritizerConfig())
	}

	e.selector = selector.New(
		selector.Config{Models: norm.Models, Mode: norm.Mode, HealthSelection: norm.HealthSelection},
		selector.Deps{Cooldowns: e.cooldowns, Breaker: e.breaker, Health: e.health, Prioritizer: e.prioritizer},
	)

	e.log.Info("engine.started",
		"models", len(norm.Models),
		"mode", string(norm.Mode),
		"cooldown", norm.Cooldown,
		"circuit_breaker", norm.CircuitBreaker.Enabled,
		"subagent_fallback", norm.EnableSubagentFallback,
	)
	return e
}

func (e *Engine) config() Config { return *e.cfg.Load() }

func (e *Engine) breakerRef() *resilience.Breaker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.breaker
}

func (e *Engine) prioritizerRef() *selector.Prioritizer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.prioritizer
}

// Config returns a copy of the active configuration snapshot.
func (e *Engine) Config() Config {
	return e.config().clone()
}

// Patterns exposes the engine's pattern registry for runtime customization.
func (e *Engine) Patterns() *patterns.Registry { return e.patterns }

// HandleEvent classifies one host event and reacts to it. It never panics
// outward and never blocks on anything but an in-line orchestration, so
// callers that need full event throughput should dispatch each event on its
// own goroutine.
func (e *Engine) HandleEvent(ctx context.Context, ev core.Event) {
	if e.destroyed.Load() || ev == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("engine.event.panic", "event", string(ev.EventType()), "panic", fmt.Sprint(r))
		}
	}()

	switch ev := ev.(type) {
	case core.SessionError:
		e.onSessionError(ctx, ev)
	case core.MessageUpdated:
		e.onMessageUpdated(ctx, ev)
	case core.SessionStatus:
		e.onSessionStatus(ctx, ev)
	case core.SubagentCreated:
		e.onSubagentCreated(ev)
	}
}

func (e *Engine) onSessionError(ctx context.Context, ev core.SessionError) {
	if ev.SessionID == "" {
		return
	}
	if !e.patterns.IsRateLimitError(ev.Err) {
		e.noteHardError(ev.SessionID, core.ModelRef{}, ev.Err)
		return
	}
	// session.error carries no model attribution; the orchestration reads
	// the session's tracked model.
	e.noteRateLimit(ctx, ev.SessionID, "", "")
}

func (e *Engine) onMessageUpdated(ctx context.Context, ev core.MessageUpdated) {
	info := ev.Info
	if info.SessionID == "" || info.Role != core.RoleAssistant {
		return
	}

	model := core.ModelRef{Provider: info.ProviderID, Model: info.ModelID}
	e.sessions.SetModel(info.SessionID, model)
	e.sessions.SetAgent(info.SessionID, info.Agent)
	e.tracker.Touch(info.SessionID)

	switch {
	case info.Error != nil:
		if e.patterns.IsRateLimitError(*info.Error) {
			e.noteRateLimit(ctx, info.SessionID, info.ProviderID, info.ModelID)
		} else {
			e.noteHardError(info.SessionID, model, *info.Error)
		}
	case info.Status == core.StatusCompleted:
		e.noteCompletion(info.SessionID, model)
	}
}

// rateLimitStatusPhrases are the host status messages that indicate a
// provider-side rate limit rather than an ordinary retry.
var rateLimitStatusPhrases = []string{
	"usage limit",
	"rate limit",
	"high concurrency",
	"reduce concurrency",
}

func (e *Engine) onSessionStatus(ctx context.Context, ev core.SessionStatus) {
	if ev.SessionID == "" {
		return
	}
	if ev.Status.Type == "" {
		// Status cleared: the session is active again.
		e.tracker.Touch(ev.SessionID)
		return
	}
	if ev.Status.Type != "retry" {
		return
	}
	msg := strings.ToLower(ev.Status.Message)
	for _, phrase := range rateLimitStatusPhrases {
		if strings.Contains(msg, phrase) {
			e.noteRateLimit(ctx, ev.SessionID, "", "")
			return
		}
	}
}

func (e *Engine) onSubagentCreated(ev core.SubagentCreated) {
	if !e.config().EnableSubagentFallback {
		return
	}
	e.tracker.RegisterSubagent(ev.SessionID, ev.ParentSessionID)
	e.log.Debug("engine.subagent.registered",
		"session_id", string(ev.SessionID),
		"parent_session_id", string(ev.ParentSessionID),
	)
}

// noteRateLimit funnels every rate-limit signal through the event lock so
// the same failure arriving on several channels orchestrates once.
func (e *Engine) noteRateLimit(ctx context.Context, id core.SessionID, provider, model string) {
	if !e.locks.AcquireEventLock(id) {
		e.log.Debug("engine.event.duplicate", "session_id", string(id))
		return
	}
	e.HandleRateLimitFallback(ctx, id, provider, model)
}

// noteHardError feeds non-rate-limit failures into the health and circuit
// stores. Unattributable errors are only logged.
func (e *Engine) noteHardError(id core.SessionID, model core.ModelRef, c core.Classifiable) {
	if model.IsZero() {
		if m, ok := e.sessions.Model(id); ok {
			model = m
		}
	}
	if model.IsZero() {
		e.log.Debug("engine.error.unattributed", "session_id", string(id), "error", c.Message)
		return
	}
	e.health.RecordFailure(model)
	if b := e.breakerRef(); b != nil {
		b.RecordFailure(model, false)
	}
	if p := e.prioritizerRef(); p != nil {
		p.RecordOutcome(model, false)
	}
	e.log.Debug("engine.error.hard",
		"session_id", string(id),
		"model", model.Key(),
		"error_name", c.Name,
		"error", c.Message,
	)
}

// noteCompletion closes out a pending fallback: the re-prompted message
// answered, so its dedup stamp and event lock are released and the model
// gets a success mark on its circuit.
func (e *Engine) noteCompletion(id core.SessionID, model core.ModelRef) {
	if b := e.breakerRef(); b != nil && !model.IsZero() {
		b.RecordSuccess(model)
	}
	root := e.tracker.RootOf(id)
	msg, ok := e.locks.TakePending(root)
	if !ok {
		return
	}
	e.locks.ClearFallback(root, msg)
	e.locks.ReleaseEventLock(root)
	if id != root {
		e.locks.ReleaseEventLock(id)
	}
	e.log.Debug("engine.fallback.completed",
		"session_id", string(root),
		"message_id", string(msg),
	)
}

func (e *Engine) onCircuitTransition(model core.ModelRef, from, to resilience.BreakerState) {
	ctx := context.Background()
	e.log.Info("engine.circuit.transition",
		"model", model.Key(),
		"from", string(from),
		"to", string(to),
	)
	e.metrics.RecordCircuitTransition(ctx, model.Key(), string(from), string(to))
	e.metrics.RecordCircuitState(ctx, model.Key(), resilience.StateRank(to))
	e.journalAppend(ctx, JournalEntry{
		Kind:      JournalCircuit,
		Provider:  model.Provider,
		Model:     model.Model,
		FromState: string(from),
		ToState:   string(to),
	})
}

func (e *Engine) journalAppend(ctx context.Context, entry JournalEntry) {
	if e.journal == nil {
		return
	}
	if entry.At.IsZero() {
		entry.At = e.now()
	}
	if entry.RunID == "" {
		if id, ok := core.RunID(ctx); ok {
			entry.RunID = id
		}
	}
	if err := e.journal.Append(ctx, entry); err != nil {
		e.log.Debug("engine.journal.append_failed", "kind", entry.Kind, "error", err)
	}
}

// UpdateConfig atomically swaps the active snapshot and forwards each slice
// of it to the owning subsystem. Cooldown stamps, circuit state, and
// in-flight retry runs survive a reload; the breaker and prioritizer are
// recreated only when their enabled bit flips.
func (e *Engine) UpdateConfig(cfg Config) {
	norm, fixes := cfg.withDefaults()
	for _, fix := range fixes {
		e.log.Warn("engine.config.corrected", "detail", fix)
	}
	old := e.cfg.Swap(&norm)

	e.cooldowns.SetWindow(norm.Cooldown)
	e.retries.UpdateConfig(norm.RetryPolicy)

	e.mu.Lock()
	if norm.CircuitBreaker.Enabled != old.CircuitBreaker.Enabled {
		if norm.CircuitBreaker.Enabled {
			e.breaker = resilience.NewBreaker(norm.CircuitBreaker.breakerConfig())
			e.breaker.OnTransition(e.onCircuitTransition)
		} else {
			e.breaker = nil
		}
	} else if e.breaker != nil {
		e.breaker.UpdateConfig(norm.CircuitBreaker.breakerConfig())
	}
	if norm.DynamicPrioritization.Enabled != old.DynamicPrioritization.Enabled {
		if norm.DynamicPrioritization.Enabled {
			e.prioritizer = selector.NewPrioritizer(norm.DynamicPrioritization.prioritizerConfig())
		} else {
			e.prioritizer = nil
		}
	} else if e.prioritizer != nil {
		e.prioritizer.UpdateConfig(norm.DynamicPrioritization.prioritizerConfig())
	}
	breaker, prioritizer := e.breaker, e.prioritizer
	e.mu.Unlock()

	e.selector.UpdateConfig(selector.Config{
		Models:          norm.Models,
		Mode:            norm.Mode,
		HealthSelection: norm.HealthSelection,
	})
	e.selector.SetBreaker(breaker)
	e.selector.SetPrioritizer(prioritizer)

	e.log.Info("engine.config.updated",
		"models", len(norm.Models),
		"mode", string(norm.Mode),
		"cooldown", norm.Cooldown,
		"circuit_breaker", norm.CircuitBreaker.Enabled,
	)
}

// Stats is a point-in-time census of the engine's tracked state.
type Stats struct {
	Sessions        int
	Agents          int
	RetryRuns       int
	EventLocks      int
	FallbackMarks   int
	SessionLocks    int
	Hierarchies     int
	ActiveCooldowns int
	OpenCircuits    int
}

// Stats returns per-subsystem entry counts.
func (e *Engine) Stats() Stats {
	models, agents := e.sessions.Counts()
	events, fallbacks, sessionLocks := e.locks.Counts()
	st := Stats{
		Sessions:        models,
		Agents:          agents,
		RetryRuns:       e.retries.Len(),
		EventLocks:      events,
		FallbackMarks:   fallbacks,
		SessionLocks:    sessionLocks,
		Hierarchies:     e.tracker.Len(),
		ActiveCooldowns: e.cooldowns.Len(),
	}
	if b := e.breakerRef(); b != nil {
		for _, snap := range b.Snapshot() {
			if snap.State != resilience.StateClosed {
				st.OpenCircuits++
			}
		}
	}
	return st
}

// ActiveCooldowns returns the remaining cooldown per limited model.
func (e *Engine) ActiveCooldowns() map[core.ModelRef]time.Duration {
	return e.cooldowns.Active()
}

// CircuitSnapshot returns every tracked circuit, or nil when the breaker
// is disabled.
func (e *Engine) CircuitSnapshot() map[core.ModelRef]resilience.CircuitSnapshot {
	if b := e.breakerRef(); b != nil {
		return b.Snapshot()
	}
	return nil
}

// HealthSnapshot returns the rolling health window per model.
func (e *Engine) HealthSnapshot() map[core.ModelRef]resilience.HealthSnapshot {
	return e.health.Snapshot()
}

// SessionRetryStats returns aggregated retry stats for one session.
func (e *Engine) SessionRetryStats(id core.SessionID) (retry.SessionStats, bool) {
	return e.retries.SessionStats(id)
}

// Destroy stops the janitor and clears every tracked map. In-flight
// orchestrations finish on the references they already hold; subsequent
// events are ignored.
func (e *Engine) Destroy() {
	if !e.destroyed.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	j := e.janitor
	e.janitor = nil
	e.mu.Unlock()
	if j != nil {
		j.Stop()
	}

	e.sessions.Clear()
	e.tracker.Clear()
	e.locks.Clear()
	e.retries.Clear()
	e.cooldowns.ClearAll()
	e.health.Reset()
	if b := e.breakerRef(); b != nil {
		b.Reset()
	}
	e.log.Info("engine.destroyed")
}

// sleepContext waits for d or for the context, whichever ends first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
