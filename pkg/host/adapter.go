// Package host connects the engine to the assistant host: the adapter
// interface the orchestrator calls, an HTTP+JSON client implementing it,
// and the SSE event stream that feeds host events into the engine.
package host

import (
	"context"

	"github.com/backstoplabs/backstop/pkg/core"
)

// Adapter is the engine's view of the assistant host. IDs are opaque and
// owned by the host. Implementations must be safe for concurrent use.
type Adapter interface {
	// AbortSession stops whatever the session is currently generating.
	AbortSession(ctx context.Context, id core.SessionID) error

	// SendPromptAsync re-submits the given parts on the chosen model and
	// returns once the host has accepted the prompt, not once it answers.
	// agent, when non-empty, pins the session's agent for the prompt.
	SendPromptAsync(ctx context.Context, id core.SessionID, parts []core.MessagePart, model core.ModelRef, agent string) error

	// ListMessages returns the session transcript, oldest first.
	ListMessages(ctx context.Context, id core.SessionID) ([]core.Message, error)

	// GetSession returns session metadata.
	GetSession(ctx context.Context, id core.SessionID) (core.SessionInfo, error)

	// ShowToast asks the host to display a notification. Hosts without a
	// TUI accept and drop it.
	ShowToast(ctx context.Context, toast core.Toast) error
}
