// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/backstoplabs/backstop/pkg/core"
)

// Health scoring weights and bounds. Success rate dominates; latency breaks
// ties between comparably reliable models.
const (
	healthSuccessWeight = 0.8
	healthLatencyWeight = 0.2

	// healthLatencyRef is the response time that scores 0.5 on the latency
	// axis.
	healthLatencyRef = 10 * time.Second

	// NeutralScore is assigned to models with no recorded outcomes.
	NeutralScore = 0.5

	defaultHealthWindow  = 5 * time.Minute
	defaultHealthSamples = 50
)

type healthSample struct {
	at  time.Time
	ok  bool
	rtt time.Duration
}

type modelHealth struct {
	samples     []healthSample
	lastTouched time.Time
}

// HealthSnapshot is a read-only view of one model's recent outcomes.
type HealthSnapshot struct {
	Successes int
	Failures  int
	AvgRTT    time.Duration
	Score     float64
}

// HealthTracker keeps a rolling window of success/failure outcomes and
// latency samples per model and collapses them to a scalar score.
type HealthTracker struct {
	mu         sync.Mutex
	window     time.Duration
	maxSamples int
	perModel   map[core.ModelRef]*modelHealth
	now        func() time.Time
}

// NewHealthTracker creates a tracker with the default window and sample cap.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		window:     defaultHealthWindow,
		maxSamples: defaultHealthSamples,
		perModel:   make(map[core.ModelRef]*modelHealth),
		now:        time.Now,
	}
}

// RecordSuccess adds a successful outcome with its response time.
func (h *HealthTracker) RecordSuccess(model core.ModelRef, rtt time.Duration) {
	h.record(model, healthSample{ok: true, rtt: rtt})
}

// RecordFailure adds a failed outcome.
func (h *HealthTracker) RecordFailure(model core.ModelRef) {
	h.record(model, healthSample{ok: false})
}

func (h *HealthTracker) record(model core.ModelRef, s healthSample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	s.at = now

	mh, ok := h.perModel[model]
	if !ok {
		mh = &modelHealth{}
		h.perModel[model] = mh
	}
	mh.lastTouched = now
	mh.samples = append(mh.samples, s)
	mh.samples = h.pruneLocked(mh.samples, now)
}

// pruneLocked drops samples outside the window and beyond the sample cap.
func (h *HealthTracker) pruneLocked(samples []healthSample, now time.Time) []healthSample {
	cutoff := now.Add(-h.window)
	start := 0
	for start < len(samples) && samples[start].at.Before(cutoff) {
		start++
	}
	samples = samples[start:]
	if len(samples) > h.maxSamples {
		samples = samples[len(samples)-h.maxSamples:]
	}
	return samples
}

// Score returns the blended health score in [0,1]. Models with no samples
// in the window score NeutralScore.
func (h *HealthTracker) Score(model core.ModelRef) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scoreLocked(model)
}

func (h *HealthTracker) scoreLocked(model core.ModelRef) float64 {
	mh, ok := h.perModel[model]
	if !ok {
		return NeutralScore
	}
	mh.samples = h.pruneLocked(mh.samples, h.now())
	if len(mh.samples) == 0 {
		return NeutralScore
	}

	successes := 0
	var rttSum time.Duration
	rttCount := 0
	for _, s := range mh.samples {
		if s.ok {
			successes++
			rttSum += s.rtt
			rttCount++
		}
	}
	successRate := float64(successes) / float64(len(mh.samples))

	latencyScore := NeutralScore
	if rttCount > 0 {
		avg := rttSum / time.Duration(rttCount)
		latencyScore = float64(healthLatencyRef) / float64(healthLatencyRef+avg)
	}

	return healthSuccessWeight*successRate + healthLatencyWeight*latencyScore
}

// HealthiestFirst returns the candidates sorted by descending score. The
// sort is stable, so equally scored candidates keep their configured order.
func (h *HealthTracker) HealthiestFirst(candidates []core.ModelRef) []core.ModelRef {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]core.ModelRef, len(candidates))
	copy(out, candidates)
	scores := make(map[core.ModelRef]float64, len(out))
	for _, m := range out {
		scores[m] = h.scoreLocked(m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return scores[out[i]] > scores[out[j]]
	})
	return out
}

// Snapshot returns per-model recent counts and scores.
func (h *HealthTracker) Snapshot() map[core.ModelRef]HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	snap := make(map[core.ModelRef]HealthSnapshot, len(h.perModel))
	for model, mh := range h.perModel {
		mh.samples = h.pruneLocked(mh.samples, now)
		var hs HealthSnapshot
		var rttSum time.Duration
		for _, s := range mh.samples {
			if s.ok {
				hs.Successes++
				rttSum += s.rtt
			} else {
				hs.Failures++
			}
		}
		if hs.Successes > 0 {
			hs.AvgRTT = rttSum / time.Duration(hs.Successes)
		}
		hs.Score = h.scoreLocked(model)
		snap[model] = hs
	}
	return snap
}

// Reset drops all recorded outcomes.
func (h *HealthTracker) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.perModel = make(map[core.ModelRef]*modelHealth)
}

// CleanupStale removes models with no outcomes recorded for ttl and returns
// how many were dropped.
func (h *HealthTracker) CleanupStale(ttl time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	removed := 0
	for model, mh := range h.perModel {
		if now.Sub(mh.lastTouched) > ttl {
			delete(h.perModel, model)
			removed++
		}
	}
	return removed
}
