// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"testing"
	"time"

	"github.com/backstoplabs/backstop/pkg/core"
)

func TestBreakerOpensOnThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, OpenDuration: 30 * time.Second})
	model := core.ModelRef{Provider: "openai", Model: "gpt-4o"}

	var transitions []string
	b.OnTransition(func(m core.ModelRef, from, to BreakerState) {
		transitions = append(transitions, string(from)+">"+string(to))
	})

	b.RecordFailure(model, false)
	b.RecordFailure(model, false)
	if b.State(model) != StateClosed {
		t.Fatal("expected closed below threshold")
	}
	if !b.CanExecute(model) {
		t.Fatal("expected executable below threshold")
	}

	b.RecordFailure(model, false)
	if b.State(model) != StateOpen {
		t.Fatal("expected open at threshold")
	}
	if b.CanExecute(model) {
		t.Fatal("open circuit must block")
	}
	if len(transitions) != 1 || transitions[0] != "closed>open" {
		t.Fatalf("unexpected transitions %v", transitions)
	}
}

func TestBreakerIgnoresRateLimitsByDefault(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2})
	model := core.ModelRef{Provider: "A", Model: "a"}

	b.RecordFailure(model, true)
	b.RecordFailure(model, true)
	b.RecordFailure(model, true)
	if b.State(model) != StateClosed {
		t.Fatal("rate-limit failures must not open the circuit by default")
	}

	b.UpdateConfig(BreakerConfig{FailureThreshold: 2, CountRateLimits: true})
	b.RecordFailure(model, true)
	b.RecordFailure(model, true)
	if b.State(model) != StateOpen {
		t.Fatal("counted rate-limit failures should open the circuit")
	}
}

func TestBreakerSuccessClearsRun(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3})
	model := core.ModelRef{Provider: "A", Model: "a"}

	b.RecordFailure(model, false)
	b.RecordFailure(model, false)
	b.RecordSuccess(model)
	b.RecordFailure(model, false)
	b.RecordFailure(model, false)
	if b.State(model) != StateClosed {
		t.Fatal("success must reset the consecutive count")
	}
	b.RecordFailure(model, false)
	if b.State(model) != StateOpen {
		t.Fatal("expected open after three consecutive failures")
	}
}

func TestBreakerHalfOpenAfterOpenDuration(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, OpenDuration: 10 * time.Second})
	b.now = clock.Now
	model := core.ModelRef{Provider: "A", Model: "a"}

	b.RecordFailure(model, false)
	if b.State(model) != StateOpen {
		t.Fatal("expected open")
	}

	clock.Advance(9 * time.Second)
	if b.CanExecute(model) {
		t.Fatal("still inside open window")
	}

	clock.Advance(2 * time.Second)
	if !b.CanExecute(model) {
		t.Fatal("expected a probe permit after the open window")
	}
	if b.State(model) != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State(model))
	}
}

func TestBreakerHalfOpenProbeCap(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, OpenDuration: time.Second, HalfOpenMaxProbes: 2})
	b.now = clock.Now
	model := core.ModelRef{Provider: "A", Model: "a"}

	b.RecordFailure(model, false)
	clock.Advance(2 * time.Second)

	if !b.CanExecute(model) {
		t.Fatal("first probe should be granted")
	}
	if !b.CanExecute(model) {
		t.Fatal("second probe should be granted")
	}
	if b.CanExecute(model) {
		t.Fatal("third probe must be rejected")
	}
}

func TestBreakerAvailableDoesNotConsumeProbes(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, OpenDuration: time.Second, HalfOpenMaxProbes: 1})
	b.now = clock.Now
	model := core.ModelRef{Provider: "A", Model: "a"}

	if !b.Available(model) {
		t.Fatal("unknown model should be available")
	}

	b.RecordFailure(model, false)
	if b.Available(model) {
		t.Fatal("open circuit should not be available")
	}

	clock.Advance(2 * time.Second)
	for i := 0; i < 3; i++ {
		if !b.Available(model) {
			t.Fatalf("check %d: half-open with free probe slot should stay available", i)
		}
	}
	if !b.CanExecute(model) {
		t.Fatal("probe should still be grantable after Available checks")
	}
	if b.Available(model) {
		t.Fatal("half-open with all probes in flight should not be available")
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, OpenDuration: time.Second})
	b.now = clock.Now
	model := core.ModelRef{Provider: "A", Model: "a"}

	b.RecordFailure(model, false)
	clock.Advance(2 * time.Second)
	if !b.CanExecute(model) {
		t.Fatal("expected probe permit")
	}

	b.RecordSuccess(model)
	if b.State(model) != StateClosed {
		t.Fatal("probe success must close the circuit")
	}
	if !b.CanExecute(model) {
		t.Fatal("closed circuit must execute")
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, OpenDuration: 10 * time.Second})
	b.now = clock.Now
	model := core.ModelRef{Provider: "A", Model: "a"}

	b.RecordFailure(model, false)
	clock.Advance(11 * time.Second)
	if !b.CanExecute(model) {
		t.Fatal("expected probe permit")
	}

	b.RecordFailure(model, false)
	if b.State(model) != StateOpen {
		t.Fatal("probe failure must reopen")
	}

	// openedAt was reset, so the circuit blocks for a fresh window.
	clock.Advance(9 * time.Second)
	if b.CanExecute(model) {
		t.Fatal("reopened circuit must block for a fresh window")
	}
	clock.Advance(2 * time.Second)
	if !b.CanExecute(model) {
		t.Fatal("expected half-open after the fresh window")
	}
}

func TestBreakerUnknownModelClosed(t *testing.T) {
	b := NewBreaker(BreakerConfig{})
	model := core.ModelRef{Provider: "never", Model: "seen"}
	if b.State(model) != StateClosed {
		t.Fatal("unknown model must be closed")
	}
	if !b.CanExecute(model) {
		t.Fatal("unknown model must execute")
	}
	b.RecordSuccess(model)
	if len(b.Snapshot()) != 0 {
		t.Fatal("success on untracked model must not allocate a circuit")
	}
}

func TestBreakerUpdateConfigPreservesState(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 5})
	model := core.ModelRef{Provider: "A", Model: "a"}

	b.RecordFailure(model, false)
	b.RecordFailure(model, false)

	b.UpdateConfig(BreakerConfig{FailureThreshold: 3})
	snap := b.Snapshot()[model]
	if snap.ConsecutiveFailures != 2 {
		t.Fatalf("expected failure count preserved, got %d", snap.ConsecutiveFailures)
	}

	b.RecordFailure(model, false)
	if b.State(model) != StateOpen {
		t.Fatal("expected open under the new threshold")
	}
}

func TestBreakerCleanupStale(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{FailureThreshold: 2})
	b.now = clock.Now

	old := core.ModelRef{Provider: "A", Model: "a"}
	fresh := core.ModelRef{Provider: "B", Model: "b"}
	b.RecordFailure(old, false)
	clock.Advance(2 * time.Hour)
	b.RecordFailure(fresh, false)

	if removed := b.CleanupStale(time.Hour); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok := b.Snapshot()[old]; ok {
		t.Fatal("stale circuit should be gone")
	}
	if _, ok := b.Snapshot()[fresh]; !ok {
		t.Fatal("fresh circuit should remain")
	}
}

func TestStateRank(t *testing.T) {
	if StateRank(StateOpen) != 0 || StateRank(StateHalfOpen) != 1 || StateRank(StateClosed) != 2 {
		t.Fatal("unexpected state ranking")
	}
}
