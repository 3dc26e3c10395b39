// Package session tracks per-session state for the fallback engine: the
// last seen model and agent, subagent hierarchies, and the locks that keep
// concurrent orchestrations apart.
package session

import (
	"sync"
	"time"

	"github.com/backstoplabs/backstop/pkg/core"
)

type modelEntry struct {
	model       core.ModelRef
	lastUpdated time.Time
}

type agentEntry struct {
	agent       string
	lastUpdated time.Time
}

// Store remembers the model and agent most recently seen on each session.
// Both maps are refreshed on every assistant message and pruned by TTL.
type Store struct {
	mu     sync.RWMutex
	models map[core.SessionID]modelEntry
	agents map[core.SessionID]agentEntry
	now    func() time.Time
}

// NewStore returns an empty session store.
func NewStore() *Store {
	return &Store{
		models: make(map[core.SessionID]modelEntry),
		agents: make(map[core.SessionID]agentEntry),
		now:    time.Now,
	}
}

// SetModel records the model currently serving the session.
func (s *Store) SetModel(id core.SessionID, model core.ModelRef) {
	if id == "" || model.IsZero() {
		return
	}
	s.mu.Lock()
	s.models[id] = modelEntry{model: model, lastUpdated: s.now()}
	s.mu.Unlock()
}

// Model returns the session's current model, if one was seen.
func (s *Store) Model(id core.SessionID) (core.ModelRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.models[id]
	return e.model, ok
}

// SetAgent records the agent serving the session.
func (s *Store) SetAgent(id core.SessionID, agent string) {
	if id == "" || agent == "" {
		return
	}
	s.mu.Lock()
	s.agents[id] = agentEntry{agent: agent, lastUpdated: s.now()}
	s.mu.Unlock()
}

// Agent returns the session's agent, if one was seen.
func (s *Store) Agent(id core.SessionID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.agents[id]
	return e.agent, ok
}

// Forget drops everything recorded for the session.
func (s *Store) Forget(id core.SessionID) {
	s.mu.Lock()
	delete(s.models, id)
	delete(s.agents, id)
	s.mu.Unlock()
}

// Clear drops every tracked session.
func (s *Store) Clear() {
	s.mu.Lock()
	s.models = make(map[core.SessionID]modelEntry)
	s.agents = make(map[core.SessionID]agentEntry)
	s.mu.Unlock()
}

// Counts returns the number of tracked model and agent entries.
func (s *Store) Counts() (models, agents int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.models), len(s.agents)
}

// CleanupStale drops entries not refreshed within ttl and returns how many
// were removed.
func (s *Store) CleanupStale(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-ttl)
	removed := 0
	for id, e := range s.models {
		if e.lastUpdated.Before(cutoff) {
			delete(s.models, id)
			removed++
		}
	}
	for id, e := range s.agents {
		if e.lastUpdated.Before(cutoff) {
			delete(s.agents, id)
			removed++
		}
	}
	return removed
}
