// SPDX-License-Identifier: Apache-2.0
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/backstoplabs/backstop/pkg/telemetry"
)

// Janitor defaults: sweep every minute, prune entries idle for half an
// hour. Lock stores carry their own much shorter windows.
const (
	DefaultCleanupInterval = time.Minute
	DefaultEntryTTL        = 30 * time.Minute
)

type sweepTarget struct {
	name  string
	sweep func() int
}

// Janitor periodically prunes every TTL-bounded store the engine owns.
// Sweeps are idempotent: a second pass over an already-clean store removes
// nothing. The janitor only removes expired entries and never cancels
// in-flight orchestrations.
type Janitor struct {
	interval time.Duration
	targets  []sweepTarget
	gauges   func(ctx context.Context)
	metrics  *telemetry.FallbackMetrics
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newJanitor(e *Engine, interval, ttl time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if ttl <= 0 {
		ttl = DefaultEntryTTL
	}
	return &Janitor{
		interval: interval,
		metrics:  e.metrics,
		log:      e.log,
		targets: []sweepTarget{
			{"sessions", func() int { return e.sessions.CleanupStale(ttl) }},
			{"retries", func() int { return e.retries.CleanupStale(ttl) }},
			{"locks", func() int { return e.locks.CleanupStale() }},
			{"cooldowns", func() int { return e.cooldowns.CleanupStale(ttl) }},
			{"circuits", func() int {
				if b := e.breakerRef(); b != nil {
					return b.CleanupStale(ttl)
				}
				return 0
			}},
			{"health", func() int { return e.health.CleanupStale(ttl) }},
			{"hierarchies", func() int { return e.tracker.CleanupStale(ttl) }},
			{"prioritizer", func() int {
				if p := e.prioritizerRef(); p != nil {
					return p.Prune()
				}
				return 0
			}},
		},
		gauges: func(ctx context.Context) {
			e.metrics.RecordCooldownActive(ctx, int64(e.cooldowns.Len()))
		},
	}
}

// StartJanitor launches the periodic sweeper over every engine store.
// Non-positive arguments take the defaults. Starting again replaces the
// previous janitor.
func (e *Engine) StartJanitor(interval, ttl time.Duration) *Janitor {
	j := newJanitor(e, interval, ttl)
	e.mu.Lock()
	old := e.janitor
	e.janitor = j
	e.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	j.Start()
	return j
}

// Start launches the sweep loop. Starting a running janitor is a no-op.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	j.cancel = cancel
	j.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		j.log.Info("janitor.start", "interval", j.interval)
		for {
			select {
			case <-ctx.Done():
				j.log.Info("janitor.stop")
				return
			case <-ticker.C:
				j.SweepOnce(ctx)
			}
		}
	}()
}

// SweepOnce runs one pass over every store and returns the total number of
// entries removed.
func (j *Janitor) SweepOnce(ctx context.Context) int {
	ctx, span := otel.Tracer("backstop/engine").Start(ctx, "janitor.sweep")
	defer span.End()

	total := 0
	for _, t := range j.targets {
		removed := t.sweep()
		if removed == 0 {
			continue
		}
		total += removed
		j.metrics.RecordSwept(ctx, t.name, int64(removed))
		j.log.Debug("janitor.swept", "store", t.name, "removed", removed)
	}
	if j.gauges != nil {
		j.gauges(ctx)
	}
	span.SetAttributes(attribute.Int("removed", total))
	j.log.Debug("janitor.sweep.complete", "removed", total)
	return total
}

// Stop halts the sweep loop and waits for it to exit. Stopping a stopped
// janitor is a no-op.
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel = nil
	j.done = nil
	j.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
