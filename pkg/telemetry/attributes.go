// Copyright 2026 © The Backstop Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry integration with rich attributes
// for fallback observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic conventions for Backstop telemetry.
// These follow OpenTelemetry naming conventions where applicable.
const (
	// Session attributes
	AttrSessionID     = "backstop.session.id"
	AttrRootSessionID = "backstop.session.root_id"
	AttrMessageID     = "backstop.message.id"
	AttrRunID         = "backstop.run_id"
	AttrAgent         = "backstop.session.agent"

	// Model attributes
	AttrProvider  = "backstop.model.provider"
	AttrModelID   = "backstop.model.id"
	AttrFromModel = "backstop.model.from"
	AttrToModel   = "backstop.model.to"

	// Retry attributes
	AttrAttempt    = "backstop.retry.attempt"
	AttrMaxRetries = "backstop.retry.max"
	AttrDelayMs    = "backstop.retry.delay_ms"
	AttrStrategy   = "backstop.retry.strategy"

	// Selection attributes
	AttrMode       = "backstop.selector.mode"
	AttrCandidates = "backstop.selector.candidates"

	// Circuit attributes
	AttrCircuitState = "backstop.circuit.state"

	// Event attributes
	AttrEventType = "backstop.event.type"
)

// SessionAttributes returns attributes identifying an orchestration target.
func SessionAttributes(sessionID, rootID, runID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
	}
	if rootID != "" && rootID != sessionID {
		attrs = append(attrs, attribute.String(AttrRootSessionID, rootID))
	}
	if runID != "" {
		attrs = append(attrs, attribute.String(AttrRunID, runID))
	}
	return attrs
}

// ModelAttributes returns attributes for the model a span acts on.
func ModelAttributes(provider, model string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrProvider, provider),
		attribute.String(AttrModelID, model),
	}
}

// SwitchAttributes returns attributes for a model switch.
func SwitchAttributes(from, to string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if from != "" {
		attrs = append(attrs, attribute.String(AttrFromModel, from))
	}
	if to != "" {
		attrs = append(attrs, attribute.String(AttrToModel, to))
	}
	return attrs
}

// RetryAttributes returns attributes for a retry decision.
func RetryAttributes(attempt, maxRetries int, delayMs int64, strategy string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int(AttrAttempt, attempt),
		attribute.Int(AttrMaxRetries, maxRetries),
	}
	if delayMs > 0 {
		attrs = append(attrs, attribute.Int64(AttrDelayMs, delayMs))
	}
	if strategy != "" {
		attrs = append(attrs, attribute.String(AttrStrategy, strategy))
	}
	return attrs
}

// SelectionAttributes returns attributes for a selector decision.
func SelectionAttributes(mode string, candidates int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrMode, mode),
		attribute.Int(AttrCandidates, candidates),
	}
}
