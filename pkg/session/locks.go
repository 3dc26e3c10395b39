package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/backstoplabs/backstop/pkg/core"
)

// Lock windows. The event lock absorbs the same failure arriving through
// several event channels; the dedup window absorbs repeated orchestration
// attempts for one message. Pending marks tie an in-flight re-prompt to the
// user message it serves and expire once no completion ever arrives.
const (
	DefaultEventLockTTL = 10 * time.Second
	DefaultDedupWindow  = 5 * time.Second
	DefaultPendingTTL   = 10 * time.Minute
)

type messageKey struct {
	Session core.SessionID
	Message core.MessageID
}

type pendingMark struct {
	message core.MessageID
	at      time.Time
}

// Locks implements the engine's three-level concurrency gate: a per-session
// event lock, a per-session orchestration lock, and a per-message dedup
// mark. All methods are safe for concurrent use.
type Locks struct {
	mu          sync.Mutex
	eventTTL    time.Duration
	dedupWindow time.Duration
	events      map[core.SessionID]time.Time
	fallbacks   map[messageKey]time.Time
	sessions    map[core.SessionID]bool
	pending     map[core.SessionID]pendingMark
	now         func() time.Time
	log         *slog.Logger
}

// NewLocks returns a lock store. Non-positive windows take the defaults.
func NewLocks(eventTTL, dedupWindow time.Duration) *Locks {
	if eventTTL <= 0 {
		eventTTL = DefaultEventLockTTL
	}
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	return &Locks{
		eventTTL:    eventTTL,
		dedupWindow: dedupWindow,
		events:      make(map[core.SessionID]time.Time),
		fallbacks:   make(map[messageKey]time.Time),
		sessions:    make(map[core.SessionID]bool),
		pending:     make(map[core.SessionID]pendingMark),
		now:         time.Now,
		log:         slog.Default(),
	}
}

// UpdateConfig swaps the lock windows. Held locks keep their stamps.
func (l *Locks) UpdateConfig(eventTTL, dedupWindow time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if eventTTL > 0 {
		l.eventTTL = eventTTL
	}
	if dedupWindow > 0 {
		l.dedupWindow = dedupWindow
	}
}

// AcquireEventLock takes the session's event lock. It fails while a lock
// acquired within the TTL is still held, which is how one failure reported
// through several event channels collapses to a single orchestration.
func (l *Locks) AcquireEventLock(id core.SessionID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if at, held := l.events[id]; held && now.Sub(at) <= l.eventTTL {
		return false
	}
	l.events[id] = now
	return true
}

// ReleaseEventLock drops the session's event lock.
func (l *Locks) ReleaseEventLock(id core.SessionID) {
	l.mu.Lock()
	delete(l.events, id)
	l.mu.Unlock()
}

// TryLockSession takes the session's orchestration lock, failing when an
// orchestration already holds it.
func (l *Locks) TryLockSession(id core.SessionID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sessions[id] {
		return false
	}
	l.sessions[id] = true
	return true
}

// UnlockSession releases the orchestration lock. Releasing a lock that is
// not held is a programming error; it is logged and state is untouched.
func (l *Locks) UnlockSession(id core.SessionID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.sessions[id] {
		l.log.Error("session.unlock.not_held", "session_id", string(id))
		return
	}
	delete(l.sessions, id)
}

// SessionLocked reports whether an orchestration holds the session.
func (l *Locks) SessionLocked(id core.SessionID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions[id]
}

// MarkFallback stamps the message as having a fallback in flight. It fails
// when a stamp from inside the dedup window already exists.
func (l *Locks) MarkFallback(session core.SessionID, message core.MessageID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := messageKey{Session: session, Message: message}
	now := l.now()
	if at, ok := l.fallbacks[key]; ok && now.Sub(at) <= l.dedupWindow {
		return false
	}
	l.fallbacks[key] = now
	return true
}

// FallbackInProgress reports whether a fallback stamp from inside the dedup
// window exists for the message. Expired stamps are removed on read.
func (l *Locks) FallbackInProgress(session core.SessionID, message core.MessageID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := messageKey{Session: session, Message: message}
	at, ok := l.fallbacks[key]
	if !ok {
		return false
	}
	if l.now().Sub(at) > l.dedupWindow {
		delete(l.fallbacks, key)
		return false
	}
	return true
}

// ClearFallback drops the message's fallback stamp.
func (l *Locks) ClearFallback(session core.SessionID, message core.MessageID) {
	l.mu.Lock()
	delete(l.fallbacks, messageKey{Session: session, Message: message})
	l.mu.Unlock()
}

// NotePending records which user message the session's in-flight re-prompt
// serves, so a later completion can find and clear its dedup stamp.
func (l *Locks) NotePending(session core.SessionID, message core.MessageID) {
	l.mu.Lock()
	l.pending[session] = pendingMark{message: message, at: l.now()}
	l.mu.Unlock()
}

// TakePending returns and removes the session's pending message, if any.
func (l *Locks) TakePending(session core.SessionID) (core.MessageID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	mark, ok := l.pending[session]
	if !ok {
		return "", false
	}
	delete(l.pending, session)
	return mark.message, true
}

// Counts returns the number of held event locks, fallback stamps, and
// session locks.
func (l *Locks) Counts() (events, fallbacks, sessions int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events), len(l.fallbacks), len(l.sessions)
}

// CleanupStale drops event locks, fallback stamps, and pending marks that
// expired out of their windows. Session locks are released by their
// orchestrations, never swept. Returns the number of entries removed.
func (l *Locks) CleanupStale() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, at := range l.events {
		if now.Sub(at) > l.eventTTL {
			delete(l.events, id)
			removed++
		}
	}
	for key, at := range l.fallbacks {
		if now.Sub(at) > l.dedupWindow {
			delete(l.fallbacks, key)
			removed++
		}
	}
	for id, mark := range l.pending {
		if now.Sub(mark.at) > DefaultPendingTTL {
			delete(l.pending, id)
			removed++
		}
	}
	return removed
}

// Clear drops every lock, stamp, and pending mark.
func (l *Locks) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = make(map[core.SessionID]time.Time)
	l.fallbacks = make(map[messageKey]time.Time)
	l.sessions = make(map[core.SessionID]bool)
	l.pending = make(map[core.SessionID]pendingMark)
}
