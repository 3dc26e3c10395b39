// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"
	"testing"

	"github.com/backstoplabs/backstop/pkg/errors"
)

func TestNewFallbackMetrics(t *testing.T) {
	fm, err := NewFallbackMetrics(context.Background())
	if err != nil {
		t.Fatalf("failed to create fallback metrics: %v", err)
	}
	if fm == nil {
		t.Fatal("expected non-nil FallbackMetrics")
	}
}

func TestRecordCounters(t *testing.T) {
	fm, _ := NewFallbackMetrics(context.Background())
	ctx := context.Background()

	fm.RecordRateLimit(ctx, "anthropic", "claude-sonnet")
	fm.RecordAttempt(ctx, "openai", "gpt-4o", 1)
	fm.RecordSuccess(ctx, "openai", "gpt-4o")
	fm.RecordExhausted(ctx, "retries")
	fm.RecordCircuitTransition(ctx, "openai/gpt-4o", "closed", "open")
	fm.RecordSwept(ctx, "cooldowns", 3)
	fm.RecordSwept(ctx, "cooldowns", 0) // no-op

	// Nil receiver should not panic
	var nilMetrics *FallbackMetrics
	nilMetrics.RecordRateLimit(ctx, "p", "m")
	nilMetrics.RecordAttempt(ctx, "p", "m", 1)
	nilMetrics.RecordSuccess(ctx, "p", "m")
	nilMetrics.RecordExhausted(ctx, "candidates")
	nilMetrics.RecordCircuitTransition(ctx, "p/m", "open", "half-open")
	nilMetrics.RecordSwept(ctx, "retries", 1)
}

func TestRecordError(t *testing.T) {
	fm, _ := NewFallbackMetrics(context.Background())
	ctx := context.Background()

	be := errors.New(errors.CodeHostRequest, "prompt rejected", nil)
	fm.RecordError(ctx, be, "host")
	fm.RecordError(ctx, errors.New(errors.CodeInternal, "generic", nil), "engine")

	// Should not panic with nil error or metrics
	fm.RecordError(ctx, nil, "host")

	var nilMetrics *FallbackMetrics
	nilMetrics.RecordError(ctx, be, "host")
}

func TestRecordGauges(t *testing.T) {
	fm, _ := NewFallbackMetrics(context.Background())
	ctx := context.Background()

	fm.RecordCooldownActive(ctx, 2)
	fm.RecordCooldownActive(ctx, 0)

	// 0 = open, 1 = half-open, 2 = closed
	fm.RecordCircuitState(ctx, "anthropic/claude-sonnet", 2)
	fm.RecordCircuitState(ctx, "openai/gpt-4o", 0)

	var nilMetrics *FallbackMetrics
	nilMetrics.RecordCooldownActive(ctx, 1)
	nilMetrics.RecordCircuitState(ctx, "p/m", 1)
}

func TestConcurrentMetrics(t *testing.T) {
	fm, _ := NewFallbackMetrics(context.Background())
	ctx := context.Background()

	done := make(chan bool, 3)

	go func() {
		for i := 0; i < 10; i++ {
			fm.RecordRateLimit(ctx, "anthropic", "claude-sonnet")
			fm.RecordAttempt(ctx, "openai", "gpt-4o", i)
		}
		done <- true
	}()

	go func() {
		be := errors.New(errors.CodeRateLimit, "throttled", nil)
		for i := 0; i < 10; i++ {
			fm.RecordError(ctx, be, "engine")
			fm.RecordSuccess(ctx, "openai", "gpt-4o")
		}
		done <- true
	}()

	go func() {
		for i := 0; i < 10; i++ {
			fm.RecordCooldownActive(ctx, int64(i%3))
			fm.RecordCircuitState(ctx, "openai/gpt-4o", int64(i%3))
		}
		done <- true
	}()

	<-done
	<-done
	<-done
}
