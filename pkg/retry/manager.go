// SPDX-License-Identifier: Apache-2.0
package retry

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/backstoplabs/backstop/pkg/core"
)

// attemptKey identifies one message's retry run. Session and message stay
// separate fields so distinct sessions can never alias.
type attemptKey struct {
	Session core.SessionID
	Message core.MessageID
}

// Attempt is a snapshot of one message's retry run.
type Attempt struct {
	Count     int
	StartedAt time.Time
	LastAt    time.Time
	Delays    []time.Duration
	Models    []core.ModelRef
}

type attemptState struct {
	count     int
	startedAt time.Time
	lastAt    time.Time
	delays    []time.Duration
	models    []core.ModelRef
}

// ModelStats aggregates retry outcomes for one model within a session.
type ModelStats struct {
	Attempts  int
	Successes int
}

// SessionStats aggregates retry activity across all messages of a session.
type SessionStats struct {
	TotalRetries int
	AverageDelay time.Duration
	Successes    int
	Failures     int
	PerModel     map[string]ModelStats
	UpdatedAt    time.Time
}

type sessionState struct {
	totalRetries int
	delaySum     time.Duration
	successes    int
	failures     int
	perModel     map[string]*ModelStats
	updatedAt    time.Time
}

// Manager admits retries per message and computes backoff delays from the
// active policy. All methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	policy   Policy
	attempts map[attemptKey]*attemptState
	sessions map[core.SessionID]*sessionState

	now       func() time.Time
	randFloat func() float64
	log       *slog.Logger
}

// NewManager normalizes the policy and returns a manager. Corrections made
// during normalization are logged at warn level.
func NewManager(p Policy) *Manager {
	m := &Manager{
		attempts:  make(map[attemptKey]*attemptState),
		sessions:  make(map[core.SessionID]*sessionState),
		now:       time.Now,
		randFloat: rand.Float64,
		log:       slog.Default(),
	}
	m.setPolicy(p)
	return m
}

func (m *Manager) setPolicy(p Policy) {
	norm, fixes := p.Normalize()
	for _, fix := range fixes {
		m.log.Warn("retry.policy.corrected", "detail", fix)
	}
	m.mu.Lock()
	m.policy = norm
	m.mu.Unlock()
}

// UpdateConfig swaps the policy. In-flight attempt counts and session stats
// are preserved so a reload mid-fallback does not grant extra retries.
func (m *Manager) UpdateConfig(p Policy) { m.setPolicy(p) }

// Policy returns the active, normalized policy.
func (m *Manager) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// CanRetry reports whether another attempt is admitted for the message:
// the attempt count must be below MaxRetries and, when a timeout is set,
// the run must still be inside its wallclock window.
func (m *Manager) CanRetry(session core.SessionID, message core.MessageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.attempts[attemptKey{Session: session, Message: message}]
	if !ok {
		return m.policy.MaxRetries > 0
	}
	if st.count >= m.policy.MaxRetries {
		return false
	}
	if m.policy.Timeout > 0 && m.now().Sub(st.startedAt) > m.policy.Timeout {
		return false
	}
	return true
}

// NextDelay computes the backoff before the next attempt for the message,
// jittered when the policy enables it. The pre-jitter value never exceeds
// MaxDelay.
func (m *Manager) NextDelay(session core.SessionID, message core.MessageID) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempt := 0
	if st, ok := m.attempts[attemptKey{Session: session, Message: message}]; ok {
		attempt = st.count
	}
	d, warn := m.policy.baseDelayFor(attempt)
	if warn != "" {
		m.log.Warn("retry.delay.corrected", "session_id", string(session), "attempt", attempt, "detail", warn)
	}
	return m.policy.applyJitter(d, m.randFloat)
}

// RecordRetry registers one attempt against the message: the model tried
// and the delay that preceded it. The first record stamps the run's start
// for timeout accounting.
func (m *Manager) RecordRetry(session core.SessionID, message core.MessageID, model core.ModelRef, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := attemptKey{Session: session, Message: message}
	st, ok := m.attempts[key]
	if !ok {
		st = &attemptState{startedAt: now}
		m.attempts[key] = st
	}
	st.count++
	st.lastAt = now
	st.delays = append(st.delays, delay)
	st.models = append(st.models, model)

	ss := m.sessionLocked(session)
	ss.totalRetries++
	ss.delaySum += delay
	ss.perModelLocked(model.Key()).Attempts++
	ss.updatedAt = now
}

// RecordSuccess notes that the session recovered on the given model.
func (m *Manager) RecordSuccess(session core.SessionID, model core.ModelRef) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ss := m.sessionLocked(session)
	ss.successes++
	if !model.IsZero() {
		ss.perModelLocked(model.Key()).Successes++
	}
	ss.updatedAt = m.now()
}

// RecordFailure notes that the session exhausted its candidates.
func (m *Manager) RecordFailure(session core.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ss := m.sessionLocked(session)
	ss.failures++
	ss.updatedAt = m.now()
}

func (m *Manager) sessionLocked(session core.SessionID) *sessionState {
	ss, ok := m.sessions[session]
	if !ok {
		ss = &sessionState{perModel: make(map[string]*ModelStats)}
		m.sessions[session] = ss
	}
	return ss
}

func (ss *sessionState) perModelLocked(modelKey string) *ModelStats {
	ms, ok := ss.perModel[modelKey]
	if !ok {
		ms = &ModelStats{}
		ss.perModel[modelKey] = ms
	}
	return ms
}

// Attempts returns the attempt count recorded for the message.
func (m *Manager) Attempts(session core.SessionID, message core.MessageID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.attempts[attemptKey{Session: session, Message: message}]; ok {
		return st.count
	}
	return 0
}

// AttemptedModels returns the models tried for the message, in order.
func (m *Manager) AttemptedModels(session core.SessionID, message core.MessageID) []core.ModelRef {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.attempts[attemptKey{Session: session, Message: message}]
	if !ok {
		return nil
	}
	out := make([]core.ModelRef, len(st.models))
	copy(out, st.models)
	return out
}

// Attempt returns a snapshot of the message's retry run.
func (m *Manager) Attempt(session core.SessionID, message core.MessageID) (Attempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.attempts[attemptKey{Session: session, Message: message}]
	if !ok {
		return Attempt{}, false
	}
	a := Attempt{
		Count:     st.count,
		StartedAt: st.startedAt,
		LastAt:    st.lastAt,
		Delays:    make([]time.Duration, len(st.delays)),
		Models:    make([]core.ModelRef, len(st.models)),
	}
	copy(a.Delays, st.delays)
	copy(a.Models, st.models)
	return a, true
}

// SessionStats returns aggregated retry stats for the session.
func (m *Manager) SessionStats(session core.SessionID) (SessionStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ss, ok := m.sessions[session]
	if !ok {
		return SessionStats{}, false
	}
	out := SessionStats{
		TotalRetries: ss.totalRetries,
		Successes:    ss.successes,
		Failures:     ss.failures,
		PerModel:     make(map[string]ModelStats, len(ss.perModel)),
		UpdatedAt:    ss.updatedAt,
	}
	if ss.totalRetries > 0 {
		out.AverageDelay = ss.delaySum / time.Duration(ss.totalRetries)
	}
	for k, v := range ss.perModel {
		out.PerModel[k] = *v
	}
	return out, true
}

// Reset clears the retry run for one message. Session stats survive.
func (m *Manager) Reset(session core.SessionID, message core.MessageID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, attemptKey{Session: session, Message: message})
}

// ResetSession clears every retry run and the stats for the session.
func (m *Manager) ResetSession(session core.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.attempts {
		if key.Session == session {
			delete(m.attempts, key)
		}
	}
	delete(m.sessions, session)
}

// Clear drops every retry run and all session stats.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = make(map[attemptKey]*attemptState)
	m.sessions = make(map[core.SessionID]*sessionState)
}

// Len returns the number of tracked retry runs.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}

// CleanupStale drops retry runs idle past ttl and session stats not
// updated within ttl. It returns the number of entries removed and may be
// called repeatedly without side effects.
func (m *Manager) CleanupStale(ttl time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-ttl)
	removed := 0
	for key, st := range m.attempts {
		last := st.lastAt
		if last.IsZero() {
			last = st.startedAt
		}
		if last.Before(cutoff) {
			delete(m.attempts, key)
			removed++
		}
	}
	for session, ss := range m.sessions {
		if ss.updatedAt.Before(cutoff) {
			delete(m.sessions, session)
			removed++
		}
	}
	return removed
}
