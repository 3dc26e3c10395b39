// SPDX-License-Identifier: Apache-2.0
// Package telemetry provides observability for the Backstop fallback engine.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/backstoplabs/backstop/pkg/errors"
)

// FallbackMetrics tracks rate-limit hits, fallback outcomes, circuit breaker
// movement, and janitor sweeps for production monitoring.
type FallbackMetrics struct {
	// rateLimitCounter counts detected provider rate limits
	rateLimitCounter metric.Int64Counter

	// attemptCounter counts fallback re-prompt attempts
	attemptCounter metric.Int64Counter

	// successCounter counts fallbacks that re-prompted successfully
	successCounter metric.Int64Counter

	// exhaustedCounter counts fallbacks abandoned with no candidate left
	exhaustedCounter metric.Int64Counter

	// circuitTransitionCounter counts circuit breaker state changes
	circuitTransitionCounter metric.Int64Counter

	// sweptCounter counts entries reclaimed by the janitor
	sweptCounter metric.Int64Counter

	// errorCounter tracks total errors by code and component
	errorCounter metric.Int64Counter

	// cooldownGauge tracks how many models are cooling down
	cooldownGauge metric.Int64Gauge

	// circuitStateGauge tracks circuit state per model (0=open, 1=half-open, 2=closed)
	circuitStateGauge metric.Int64Gauge

	mu sync.RWMutex
}

// NewFallbackMetrics creates a metrics tracker with OTEL meters.
func NewFallbackMetrics(ctx context.Context) (*FallbackMetrics, error) {
	meter := otel.Meter("backstop/engine")

	rateLimitCounter, err := meter.Int64Counter(
		"backstop.ratelimit.detected",
		metric.WithDescription("Provider rate limits detected by pattern classification"),
	)
	if err != nil {
		return nil, err
	}

	attemptCounter, err := meter.Int64Counter(
		"backstop.fallback.attempts",
		metric.WithDescription("Fallback re-prompt attempts by target model"),
	)
	if err != nil {
		return nil, err
	}

	successCounter, err := meter.Int64Counter(
		"backstop.fallback.success",
		metric.WithDescription("Fallbacks whose re-prompt was accepted by the host"),
	)
	if err != nil {
		return nil, err
	}

	exhaustedCounter, err := meter.Int64Counter(
		"backstop.fallback.exhausted",
		metric.WithDescription("Fallbacks abandoned after retry or candidate exhaustion"),
	)
	if err != nil {
		return nil, err
	}

	circuitTransitionCounter, err := meter.Int64Counter(
		"backstop.circuit.transitions",
		metric.WithDescription("Circuit breaker state transitions by model"),
	)
	if err != nil {
		return nil, err
	}

	sweptCounter, err := meter.Int64Counter(
		"backstop.janitor.swept",
		metric.WithDescription("Stale entries reclaimed by the janitor, by store"),
	)
	if err != nil {
		return nil, err
	}

	errorCounter, err := meter.Int64Counter(
		"backstop.errors.total",
		metric.WithDescription("Total errors by code and component"),
	)
	if err != nil {
		return nil, err
	}

	cooldownGauge, err := meter.Int64Gauge(
		"backstop.cooldown.active",
		metric.WithDescription("Models currently inside a rate-limit cooldown"),
	)
	if err != nil {
		return nil, err
	}

	circuitStateGauge, err := meter.Int64Gauge(
		"backstop.circuit.state",
		metric.WithDescription("Circuit breaker state per model (0=open, 1=half-open, 2=closed)"),
	)
	if err != nil {
		return nil, err
	}

	return &FallbackMetrics{
		rateLimitCounter:         rateLimitCounter,
		attemptCounter:           attemptCounter,
		successCounter:           successCounter,
		exhaustedCounter:         exhaustedCounter,
		circuitTransitionCounter: circuitTransitionCounter,
		sweptCounter:             sweptCounter,
		errorCounter:             errorCounter,
		cooldownGauge:            cooldownGauge,
		circuitStateGauge:        circuitStateGauge,
	}, nil
}

// RecordRateLimit counts a detected rate limit for a model.
func (fm *FallbackMetrics) RecordRateLimit(ctx context.Context, provider, model string) {
	if fm == nil {
		return
	}
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	fm.rateLimitCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
		),
	)
}

// RecordAttempt counts a fallback re-prompt attempt against a target model.
func (fm *FallbackMetrics) RecordAttempt(ctx context.Context, provider, model string, attempt int) {
	if fm == nil {
		return
	}
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	fm.attemptCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
			attribute.Int("attempt", attempt),
		),
	)
}

// RecordSuccess counts a fallback whose re-prompt went through.
func (fm *FallbackMetrics) RecordSuccess(ctx context.Context, provider, model string) {
	if fm == nil {
		return
	}
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	fm.successCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
		),
	)
}

// RecordExhausted counts a fallback abandoned with nothing left to try.
func (fm *FallbackMetrics) RecordExhausted(ctx context.Context, reason string) {
	if fm == nil {
		return
	}
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	fm.exhaustedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("reason", reason),
		),
	)
}

// RecordCircuitTransition counts a circuit state change for a model.
func (fm *FallbackMetrics) RecordCircuitTransition(ctx context.Context, modelKey, from, to string) {
	if fm == nil {
		return
	}
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	fm.circuitTransitionCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model", modelKey),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordSwept counts janitor-reclaimed entries for one store.
func (fm *FallbackMetrics) RecordSwept(ctx context.Context, store string, count int64) {
	if fm == nil || count == 0 {
		return
	}
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	fm.sweptCounter.Add(ctx, count,
		metric.WithAttributes(
			attribute.String("store", store),
		),
	)
}

// RecordError increments the error counter for the given error and component.
func (fm *FallbackMetrics) RecordError(ctx context.Context, err error, component string) {
	if fm == nil || err == nil {
		return
	}
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	if be, ok := err.(*errors.BackstopError); ok {
		fm.errorCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("error.code", string(be.Code)),
				attribute.String("component", component),
				attribute.String("recoverable", be.RecoverableString()),
			),
		)
		return
	}
	fm.errorCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("error.code", "UNKNOWN"),
			attribute.String("component", component),
			attribute.String("recoverable", "unknown"),
		),
	)
}

// RecordCooldownActive records how many models are cooling down right now.
func (fm *FallbackMetrics) RecordCooldownActive(ctx context.Context, count int64) {
	if fm == nil {
		return
	}
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	fm.cooldownGauge.Record(ctx, count)
}

// RecordCircuitState records the circuit state for a model
// (0=open, 1=half-open, 2=closed).
func (fm *FallbackMetrics) RecordCircuitState(ctx context.Context, modelKey string, state int64) {
	if fm == nil {
		return
	}
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	fm.circuitStateGauge.Record(ctx, state,
		metric.WithAttributes(
			attribute.String("model", modelKey),
		),
	)
}
