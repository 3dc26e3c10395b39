package selector

import (
	"sort"
	"sync"
	"time"

	"github.com/backstoplabs/backstop/pkg/core"
)

// Prioritizer defaults.
const (
	DefaultRecentWindow = 10 * time.Minute
	DefaultMinSamples   = 5

	prioritySuccessWeight = 0.7
	priorityUsageWeight   = 0.3
)

// PrioritizerConfig tunes the dynamic prioritizer.
type PrioritizerConfig struct {
	// RecentWindow bounds how far back outcomes count.
	RecentWindow time.Duration
	// MinSamples is how many recent outcomes must exist before the
	// prioritizer overrides positional selection.
	MinSamples int
}

func (c PrioritizerConfig) withDefaults() PrioritizerConfig {
	if c.RecentWindow <= 0 {
		c.RecentWindow = DefaultRecentWindow
	}
	if c.MinSamples <= 0 {
		c.MinSamples = DefaultMinSamples
	}
	return c
}

type priorityOutcome struct {
	model core.ModelRef
	ok    bool
	at    time.Time
}

// Prioritizer reorders fallback candidates by recent behavior: models that
// have been succeeding are preferred, models carrying most of the recent
// traffic are spread away from. It stays inactive until it has seen enough
// outcomes to rank on, so cold starts keep the configured chain order.
type Prioritizer struct {
	mu       sync.Mutex
	cfg      PrioritizerConfig
	outcomes []priorityOutcome
	now      func() time.Time
}

// NewPrioritizer returns an inactive prioritizer with the given tuning.
func NewPrioritizer(cfg PrioritizerConfig) *Prioritizer {
	return &Prioritizer{cfg: cfg.withDefaults(), now: time.Now}
}

// RecordOutcome feeds one request outcome into the recent window.
func (p *Prioritizer) RecordOutcome(model core.ModelRef, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, priorityOutcome{model: model, ok: ok, at: p.now()})
	p.pruneLocked()
}

// Active reports whether enough recent outcomes exist to rank candidates.
func (p *Prioritizer) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
	return len(p.outcomes) >= p.cfg.MinSamples
}

// Prioritize returns the candidates reordered best-first. The input slice
// is not modified. Candidates with no recent outcomes score neutrally and
// keep their relative order.
func (p *Prioritizer) Prioritize(candidates []core.ModelRef) []core.ModelRef {
	p.mu.Lock()
	p.pruneLocked()

	total := len(p.outcomes)
	uses := make(map[core.ModelRef]int, total)
	successes := make(map[core.ModelRef]int, total)
	for _, o := range p.outcomes {
		uses[o.model]++
		if o.ok {
			successes[o.model]++
		}
	}
	p.mu.Unlock()

	scores := make(map[core.ModelRef]float64, len(candidates))
	for _, m := range candidates {
		successRate := 0.5
		if n := uses[m]; n > 0 {
			successRate = float64(successes[m]) / float64(n)
		}
		usageShare := 0.0
		if total > 0 {
			usageShare = float64(uses[m]) / float64(total)
		}
		scores[m] = prioritySuccessWeight*successRate + priorityUsageWeight*(1-usageShare)
	}

	out := make([]core.ModelRef, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		return scores[out[i]] > scores[out[j]]
	})
	return out
}

// UpdateConfig swaps the tuning. Recorded outcomes are kept.
func (p *Prioritizer) UpdateConfig(cfg PrioritizerConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg.withDefaults()
	p.pruneLocked()
}

// Prune drops outcomes that fell out of the recent window and returns how
// many were removed. The janitor calls this on its sweep.
func (p *Prioritizer) Prune() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	before := len(p.outcomes)
	p.pruneLocked()
	return before - len(p.outcomes)
}

func (p *Prioritizer) pruneLocked() {
	cutoff := p.now().Add(-p.cfg.RecentWindow)
	i := 0
	for i < len(p.outcomes) && p.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		p.outcomes = append(p.outcomes[:0], p.outcomes[i:]...)
	}
}
