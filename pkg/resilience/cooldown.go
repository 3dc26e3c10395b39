// SPDX-License-Identifier: Apache-2.0
// Package resilience provides the per-model availability primitives for
// Backstop: rate-limit cooldowns, circuit breaking, and health scoring.
package resilience

import (
	"sync"
	"time"

	"github.com/backstoplabs/backstop/pkg/core"
)

// DefaultCooldown is applied when the configured window is invalid.
const DefaultCooldown = 60 * time.Second

// Cooldown tracks which models were recently rate-limited. An entry expires
// lazily on read once the window has elapsed; the janitor reclaims entries
// nobody reads.
type Cooldown struct {
	mu      sync.Mutex
	window  time.Duration
	limited map[core.ModelRef]time.Time
	now     func() time.Time
}

// NewCooldown creates a cooldown map with the given window. Non-positive
// windows fall back to DefaultCooldown.
func NewCooldown(window time.Duration) *Cooldown {
	if window <= 0 {
		window = DefaultCooldown
	}
	return &Cooldown{
		window:  window,
		limited: make(map[core.ModelRef]time.Time),
		now:     time.Now,
	}
}

// MarkLimited stamps the model as rate-limited now. A second mark refreshes
// the stamp.
func (c *Cooldown) MarkLimited(model core.ModelRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limited[model] = c.now()
}

// IsLimited reports whether the model is inside its cooldown window. An
// expired stamp is deleted on the way out.
func (c *Cooldown) IsLimited(model core.ModelRef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	stamp, ok := c.limited[model]
	if !ok {
		return false
	}
	if c.now().Sub(stamp) <= c.window {
		return true
	}
	delete(c.limited, model)
	return false
}

// Clear removes the model's stamp, e.g. when the user picks it explicitly.
func (c *Cooldown) Clear(model core.ModelRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.limited, model)
}

// ClearAll drops every stamp.
func (c *Cooldown) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limited = make(map[core.ModelRef]time.Time)
}

// SetWindow replaces the cooldown window. Existing stamps keep their
// original timestamps and are re-judged against the new window.
func (c *Cooldown) SetWindow(window time.Duration) {
	if window <= 0 {
		window = DefaultCooldown
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = window
}

// Window returns the current cooldown window.
func (c *Cooldown) Window() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

// Active returns the models currently cooling down and their remaining time.
func (c *Cooldown) Active() map[core.ModelRef]time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	active := make(map[core.ModelRef]time.Duration)
	for model, stamp := range c.limited {
		if remaining := c.window - now.Sub(stamp); remaining > 0 {
			active[model] = remaining
		}
	}
	return active
}

// Len returns the number of stamps held, expired ones included.
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.limited)
}

// CleanupStale removes stamps older than ttl and returns how many were
// dropped.
func (c *Cooldown) CleanupStale(ttl time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for model, stamp := range c.limited {
		if now.Sub(stamp) > ttl {
			delete(c.limited, model)
			removed++
		}
	}
	return removed
}
