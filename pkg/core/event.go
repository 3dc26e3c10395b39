package core

// EventType identifies a host event delivered to the engine.
type EventType string

const (
	EventSessionError    EventType = "session.error"
	EventMessageUpdated  EventType = "message.updated"
	EventSessionStatus   EventType = "session.status"
	EventSubagentCreated EventType = "subagent.session.created"
)

// Event is a host-delivered event. The concrete types below form a closed
// union; the engine switches on them.
type Event interface {
	EventType() EventType
}

// Classifiable is the loosely-typed error record carried by host events.
// Any field may be empty; classification concatenates the populated ones.
type Classifiable struct {
	Name         string
	Message      string
	StatusCode   int
	DataMessage  string
	ResponseBody string
}

// SessionError reports a provider failure for an in-flight session.
type SessionError struct {
	SessionID SessionID
	Err       Classifiable
}

func (SessionError) EventType() EventType { return EventSessionError }

// MessageUpdated reports a created or updated message. Assistant messages
// carry provider/model/agent identity which the engine caches per session;
// an Error field marks a failed generation.
type MessageUpdated struct {
	Info MessageInfo
}

func (MessageUpdated) EventType() EventType { return EventMessageUpdated }

// SessionStatus reports a host-side status transition. A rate-limit retry
// is signalled with Type "retry" and a recognizable status message.
type SessionStatus struct {
	SessionID SessionID
	Status    StatusInfo
}

func (SessionStatus) EventType() EventType { return EventSessionStatus }

// StatusInfo is the payload of a SessionStatus event.
type StatusInfo struct {
	Type    string
	Message string
}

// SubagentCreated reports that the host spawned a child session under a
// parent. The engine records the hierarchy so fallback retargets the root.
type SubagentCreated struct {
	SessionID       SessionID
	ParentSessionID SessionID
}

func (SubagentCreated) EventType() EventType { return EventSubagentCreated }
