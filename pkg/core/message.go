package core

// Message roles as reported by the host.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message statuses carried on message.updated events.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
)

// PartType discriminates message fragments.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartFile  PartType = "file"
)

// MessagePart is one ordered fragment of a message. Only the fields
// matching Type are populated.
type MessagePart struct {
	Type     PartType
	Text     string
	URL      string
	MIME     string
	Filename string
}

// TextPart builds a text fragment.
func TextPart(text string) MessagePart {
	return MessagePart{Type: PartText, Text: text}
}

// MessageInfo is the host's metadata view of a message.
type MessageInfo struct {
	ID         MessageID
	SessionID  SessionID
	Role       string
	ProviderID string
	ModelID    string
	Agent      string
	Status     string
	Error      *Classifiable
}

// Message pairs metadata with ordered content parts.
type Message struct {
	Info  MessageInfo
	Parts []MessagePart
}

// SessionInfo is the host's metadata view of a session.
type SessionInfo struct {
	Agent string
}

// LastUserMessage returns the most recent message with the user role, or
// false when the session has none. Messages arrive oldest-first.
func LastUserMessage(msgs []Message) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Info.Role == RoleUser {
			return msgs[i], true
		}
	}
	return Message{}, false
}
