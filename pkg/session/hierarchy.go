package session

import (
	"sort"
	"sync"
	"time"

	"github.com/backstoplabs/backstop/pkg/core"
)

// Hierarchy is a snapshot of one subagent tree.
type Hierarchy struct {
	Root          core.SessionID
	Subagents     []core.SessionID
	FallbackCount int
	LastActivity  time.Time
}

type hierarchyState struct {
	subagents     map[core.SessionID]time.Time // member -> last activity
	fallbackCount int
	lastActivity  time.Time
}

// Tracker maintains subagent trees. A fallback that fires on a subagent is
// retargeted at the tree's root, and model updates fan out to every member.
type Tracker struct {
	mu     sync.RWMutex
	parent map[core.SessionID]core.SessionID
	trees  map[core.SessionID]*hierarchyState // keyed by root
	now    func() time.Time
}

// NewTracker returns an empty subagent tracker.
func NewTracker() *Tracker {
	return &Tracker{
		parent: make(map[core.SessionID]core.SessionID),
		trees:  make(map[core.SessionID]*hierarchyState),
		now:    time.Now,
	}
}

// RegisterSubagent links a child session under its parent, creating or
// extending the tree rooted at the parent's root.
func (t *Tracker) RegisterSubagent(child, parent core.SessionID) {
	if child == "" || parent == "" || child == parent {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	root := t.rootLocked(parent)
	t.parent[child] = parent

	tree, ok := t.trees[root]
	if !ok {
		tree = &hierarchyState{subagents: make(map[core.SessionID]time.Time)}
		t.trees[root] = tree
	}
	now := t.now()
	tree.subagents[child] = now
	tree.lastActivity = now

	// The child may already root a tree of its own when registrations
	// arrive out of order. Fold its members into the new root.
	if sub, ok := t.trees[child]; ok {
		for member, at := range sub.subagents {
			tree.subagents[member] = at
		}
		tree.fallbackCount += sub.fallbackCount
		delete(t.trees, child)
	}
}

// RootOf resolves any session to its hierarchy root. Untracked sessions
// are their own root.
func (t *Tracker) RootOf(id core.SessionID) core.SessionID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootLocked(id)
}

func (t *Tracker) rootLocked(id core.SessionID) core.SessionID {
	seen := make(map[core.SessionID]bool)
	for {
		parent, ok := t.parent[id]
		if !ok || seen[id] {
			return id
		}
		seen[id] = true
		id = parent
	}
}

// IsSubagent reports whether the session is registered under a parent.
func (t *Tracker) IsSubagent(id core.SessionID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.parent[id]
	return ok
}

// Hierarchy returns the tree containing the session, resolved from any
// member. The subagent list is sorted for stable iteration.
func (t *Tracker) Hierarchy(id core.SessionID) (Hierarchy, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	root := t.rootLocked(id)
	tree, ok := t.trees[root]
	if !ok {
		return Hierarchy{}, false
	}
	h := Hierarchy{
		Root:          root,
		Subagents:     make([]core.SessionID, 0, len(tree.subagents)),
		FallbackCount: tree.fallbackCount,
		LastActivity:  tree.lastActivity,
	}
	for id := range tree.subagents {
		h.Subagents = append(h.Subagents, id)
	}
	sort.Slice(h.Subagents, func(i, j int) bool { return h.Subagents[i] < h.Subagents[j] })
	return h, true
}

// Touch refreshes the activity stamp of the session's tree.
func (t *Tracker) Touch(id core.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	root := t.rootLocked(id)
	tree, ok := t.trees[root]
	if !ok {
		return
	}
	now := t.now()
	tree.lastActivity = now
	if _, member := tree.subagents[id]; member {
		tree.subagents[id] = now
	}
}

// NoteFallback bumps the shared fallback counter on the session's tree.
func (t *Tracker) NoteFallback(id core.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	root := t.rootLocked(id)
	tree, ok := t.trees[root]
	if !ok {
		return
	}
	tree.fallbackCount++
	tree.lastActivity = t.now()
}

// Len returns the number of tracked trees.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.trees)
}

// Clear drops every tree and parent link.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.parent = make(map[core.SessionID]core.SessionID)
	t.trees = make(map[core.SessionID]*hierarchyState)
	t.mu.Unlock()
}

// CleanupStale removes trees idle past ttl, along with the parent links of
// their members. It returns the number of trees removed.
func (t *Tracker) CleanupStale(ttl time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-ttl)
	removed := 0
	for root, tree := range t.trees {
		if !tree.lastActivity.Before(cutoff) {
			continue
		}
		for member := range tree.subagents {
			delete(t.parent, member)
		}
		delete(t.trees, root)
		removed++
	}
	return removed
}
