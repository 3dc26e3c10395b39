package core

// SessionID identifies a host conversation. Opaque, assigned by the host.
type SessionID string

// MessageID identifies a message within a session. Opaque, assigned by the host.
type MessageID string

// ModelRef names a model at a specific provider. Two refs are equal when
// both fields are equal, so ModelRef is usable as a map key directly.
type ModelRef struct {
	Provider string
	Model    string
}

// Key returns the canonical "provider/model" form. It is for display and
// journaling only; in-memory maps key on the struct itself so IDs that
// contain the separator cannot collide.
func (m ModelRef) Key() string {
	return m.Provider + "/" + m.Model
}

// IsZero reports whether both fields are empty.
func (m ModelRef) IsZero() bool {
	return m.Provider == "" && m.Model == ""
}

func (m ModelRef) String() string { return m.Key() }
