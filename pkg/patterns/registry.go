package patterns

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/backstoplabs/backstop/pkg/core"
	"github.com/backstoplabs/backstop/pkg/errors"
)

// Registry holds a priority-sorted set of error patterns. Reads vastly
// outnumber mutations; a single RWMutex guards both.
type Registry struct {
	mu       sync.RWMutex
	patterns []ErrorPattern // sorted by descending priority
}

// NewRegistry returns a registry seeded with the default patterns.
func NewRegistry() *Registry {
	r := &Registry{}
	r.ResetToDefaults()
	return r
}

// Register adds a pattern group. A group with the same name replaces the
// existing one.
func (r *Registry) Register(p ErrorPattern) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaceLocked(p)
	r.sortLocked()
}

// RegisterMany adds several pattern groups in one lock acquisition.
func (r *Registry) RegisterMany(ps []ErrorPattern) {
	if len(ps) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range ps {
		r.replaceLocked(p)
	}
	r.sortLocked()
}

// Remove deletes the pattern group with the given name. It reports whether
// a group was removed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.patterns {
		if p.Name == name {
			r.patterns = append(r.patterns[:i], r.patterns[i+1:]...)
			return true
		}
	}
	return false
}

// ClearAll removes every pattern group, including the defaults.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = nil
}

// ResetToDefaults discards all registered groups and restores the defaults.
func (r *Registry) ResetToDefaults() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = DefaultPatterns()
	r.sortLocked()
}

// Names returns the registered group names in priority order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.patterns))
	for i, p := range r.patterns {
		names[i] = p.Name
	}
	return names
}

// Match scans groups in descending priority and returns the first whose
// patterns match the error's searchable text, or nil when none does.
func (r *Registry) Match(err core.Classifiable) *ErrorPattern {
	text := searchableText(err)
	if text == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.patterns {
		if r.patterns[i].matches(text) {
			matched := r.patterns[i]
			return &matched
		}
	}
	return nil
}

// IsRateLimitError reports whether any registered group matches.
func (r *Registry) IsRateLimitError(err core.Classifiable) bool {
	return r.Match(err) != nil
}

func (r *Registry) replaceLocked(p ErrorPattern) {
	for i := range r.patterns {
		if r.patterns[i].Name == p.Name {
			r.patterns[i] = p
			return
		}
	}
	r.patterns = append(r.patterns, p)
}

func (r *Registry) sortLocked() {
	sort.SliceStable(r.patterns, func(i, j int) bool {
		return r.patterns[i].Priority > r.patterns[j].Priority
	})
}

// searchableText concatenates the populated fields of the error record,
// lowercased. The status code is rendered as text so numeric patterns like
// \b429\b apply to it.
func searchableText(err core.Classifiable) string {
	var b strings.Builder
	appendField := func(s string) {
		if s == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s)
	}
	appendField(err.Name)
	appendField(err.Message)
	if err.StatusCode != 0 {
		appendField(strconv.Itoa(err.StatusCode))
	}
	appendField(err.DataMessage)
	appendField(err.ResponseBody)
	return strings.ToLower(b.String())
}

// Classify converts a plain Go error into a classifiable record. Typed
// backstop errors contribute their code and host status; anything else
// contributes only its message.
func Classify(err error) core.Classifiable {
	if err == nil {
		return core.Classifiable{}
	}
	if be, ok := err.(*errors.BackstopError); ok {
		c := core.Classifiable{
			Name:       string(be.Code),
			Message:    be.Message,
			StatusCode: be.StatusCode,
		}
		if be.Err != nil {
			c.DataMessage = be.Err.Error()
		}
		return c
	}
	return core.Classifiable{Message: err.Error()}
}
