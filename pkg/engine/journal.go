// SPDX-License-Identifier: Apache-2.0
package engine

import (
	"context"
	"time"

	"github.com/backstoplabs/backstop/pkg/core"
)

// Journal entry kinds, one per fallback lifecycle stage.
const (
	JournalDetected  = "detected"
	JournalRetry     = "retry"
	JournalSuccess   = "success"
	JournalExhausted = "exhausted"
	JournalCircuit   = "circuit"
)

// JournalEntry is one fallback lifecycle event. Provider and Model name the
// failing model for detections and the chosen model for retries and
// successes; FromState and ToState are set on circuit transitions only.
type JournalEntry struct {
	ID       string
	RunID    string
	Session  core.SessionID
	Message  core.MessageID
	Kind     string
	Provider string
	Model    string

	FromState string
	ToState   string

	Attempt int
	Detail  string
	At      time.Time
}

// Journal records fallback lifecycle events for out-of-process statistics.
// Implementations must be safe for concurrent use. The journal sits outside
// the engine's correctness envelope: append failures are logged at debug
// and swallowed.
type Journal interface {
	Append(ctx context.Context, entry JournalEntry) error
}
