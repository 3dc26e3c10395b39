// SPDX-License-Identifier: Apache-2.0
package engine

import (
	"fmt"
	"time"

	"github.com/backstoplabs/backstop/pkg/core"
	"github.com/backstoplabs/backstop/pkg/resilience"
	"github.com/backstoplabs/backstop/pkg/retry"
	"github.com/backstoplabs/backstop/pkg/selector"
)

// CircuitBreakerConfig gates the per-model circuit breaker. The zero value
// disables it; enabled breakers fall back to the resilience defaults for
// any unset field.
type CircuitBreakerConfig struct {
	Enabled           bool
	FailureThreshold  int
	OpenDuration      time.Duration
	HalfOpenMaxProbes int

	// CountRateLimits includes rate-limit failures in the consecutive
	// count. Left false, circuits open only on hard errors.
	CountRateLimits bool
}

func (c CircuitBreakerConfig) breakerConfig() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold:  c.FailureThreshold,
		OpenDuration:      c.OpenDuration,
		HalfOpenMaxProbes: c.HalfOpenMaxProbes,
		CountRateLimits:   c.CountRateLimits,
	}
}

// PrioritizationConfig gates outcome-driven reordering of the model chain.
type PrioritizationConfig struct {
	Enabled      bool
	RecentWindow time.Duration
	MinSamples   int
}

func (c PrioritizationConfig) prioritizerConfig() selector.PrioritizerConfig {
	return selector.PrioritizerConfig{
		RecentWindow: c.RecentWindow,
		MinSamples:   c.MinSamples,
	}
}

// Config is the engine's configuration snapshot. Snapshots are immutable;
// a reload builds a new one and swaps it atomically, so in-flight
// orchestrations keep reading the snapshot they started with.
type Config struct {
	// Models is the ordered fallback chain.
	Models []core.ModelRef

	// Cooldown is how long a rate-limited model stays out of selection.
	Cooldown time.Duration

	// Mode picks the exhaustion behavior: cycle, stop, or retry-last.
	Mode selector.Mode

	// HealthSelection orders candidates by health score instead of chain
	// position.
	HealthSelection bool

	// DynamicPrioritization reorders candidates by recent outcomes once
	// enough samples exist.
	DynamicPrioritization PrioritizationConfig

	CircuitBreaker CircuitBreakerConfig

	RetryPolicy retry.Policy

	// EnableSubagentFallback tracks subagent hierarchies so a fallback on
	// a child retargets the root session.
	EnableSubagentFallback bool
}

// withDefaults validates the snapshot, replacing out-of-range values with
// defaults. It returns the corrected snapshot and a description of every
// correction made.
func (c Config) withDefaults() (Config, []string) {
	var fixes []string

	models := make([]core.ModelRef, 0, len(c.Models))
	for _, m := range c.Models {
		if m.IsZero() {
			fixes = append(fixes, "models: dropped entry with empty provider and model")
			continue
		}
		models = append(models, m)
	}
	c.Models = models
	if len(c.Models) == 0 {
		fixes = append(fixes, "models: empty chain, every selection will come up empty")
	}

	if c.Cooldown <= 0 {
		fixes = append(fixes, fmt.Sprintf("cooldown: non-positive, using %s", resilience.DefaultCooldown))
		c.Cooldown = resilience.DefaultCooldown
	}
	if !c.Mode.Valid() {
		fixes = append(fixes, fmt.Sprintf("mode: unknown %q, using %s", string(c.Mode), selector.ModeCycle))
		c.Mode = selector.ModeCycle
	}

	norm, policyFixes := c.RetryPolicy.Normalize()
	c.RetryPolicy = norm
	for _, fix := range policyFixes {
		fixes = append(fixes, "retry: "+fix)
	}
	return c, fixes
}

// clone returns a deep copy so callers cannot mutate the active snapshot
// through the Models slice.
func (c Config) clone() Config {
	out := c
	out.Models = append([]core.ModelRef(nil), c.Models...)
	return out
}
