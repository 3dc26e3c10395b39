// SPDX-License-Identifier: Apache-2.0

// Package hosttest provides an in-memory host adapter double for exercising
// the fallback engine without a live host. Calls are recorded in invocation
// order and responses are scripted per session.
package hosttest

import (
	"context"
	"sync"

	"github.com/backstoplabs/backstop/pkg/core"
	"github.com/backstoplabs/backstop/pkg/host"
)

// Method names under which the adapter records its calls.
const (
	MethodAbort        = "abort"
	MethodPrompt       = "prompt"
	MethodListMessages = "list_messages"
	MethodGetSession   = "get_session"
	MethodToast        = "toast"
)

// Call is one recorded adapter invocation. Only the fields relevant to the
// method are populated.
type Call struct {
	Method  string
	Session core.SessionID
	Parts   []core.MessagePart
	Model   core.ModelRef
	Agent   string
	Toast   core.Toast
}

// Adapter implements host.Adapter against scripted state.
type Adapter struct {
	mu       sync.Mutex
	calls    []Call
	messages map[core.SessionID][]core.Message
	sessions map[core.SessionID]core.SessionInfo
	failures map[string]error
}

// New returns an adapter with no scripted state. Every session starts with
// an empty transcript and zero metadata.
func New() *Adapter {
	return &Adapter{
		messages: make(map[core.SessionID][]core.Message),
		sessions: make(map[core.SessionID]core.SessionInfo),
		failures: make(map[string]error),
	}
}

// SetMessages scripts the transcript returned for the session, oldest first.
func (a *Adapter) SetMessages(id core.SessionID, msgs []core.Message) {
	a.mu.Lock()
	a.messages[id] = append([]core.Message(nil), msgs...)
	a.mu.Unlock()
}

// SetSessionInfo scripts the metadata returned for the session.
func (a *Adapter) SetSessionInfo(id core.SessionID, info core.SessionInfo) {
	a.mu.Lock()
	a.sessions[id] = info
	a.mu.Unlock()
}

// FailWith makes every subsequent call to the method return err. A nil err
// clears the injection.
func (a *Adapter) FailWith(method string, err error) {
	a.mu.Lock()
	if err == nil {
		delete(a.failures, method)
	} else {
		a.failures[method] = err
	}
	a.mu.Unlock()
}

// Calls returns a copy of every recorded call, in invocation order.
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Call, len(a.calls))
	copy(out, a.calls)
	return out
}

// CallsTo returns the recorded calls for one method, in invocation order.
func (a *Adapter) CallsTo(method string) []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Call
	for _, c := range a.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Reset drops the recorded calls. Scripted transcripts, session metadata,
// and failure injections survive.
func (a *Adapter) Reset() {
	a.mu.Lock()
	a.calls = nil
	a.mu.Unlock()
}

func (a *Adapter) record(c Call) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, c)
	return a.failures[c.Method]
}

// AbortSession records the call.
func (a *Adapter) AbortSession(_ context.Context, id core.SessionID) error {
	return a.record(Call{Method: MethodAbort, Session: id})
}

// SendPromptAsync records the call including the parts, model, and agent.
func (a *Adapter) SendPromptAsync(_ context.Context, id core.SessionID, parts []core.MessagePart, model core.ModelRef, agent string) error {
	return a.record(Call{
		Method:  MethodPrompt,
		Session: id,
		Parts:   append([]core.MessagePart(nil), parts...),
		Model:   model,
		Agent:   agent,
	})
}

// ListMessages returns the scripted transcript for the session.
func (a *Adapter) ListMessages(_ context.Context, id core.SessionID) ([]core.Message, error) {
	if err := a.record(Call{Method: MethodListMessages, Session: id}); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]core.Message(nil), a.messages[id]...), nil
}

// GetSession returns the scripted metadata for the session.
func (a *Adapter) GetSession(_ context.Context, id core.SessionID) (core.SessionInfo, error) {
	if err := a.record(Call{Method: MethodGetSession, Session: id}); err != nil {
		return core.SessionInfo{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[id], nil
}

// ShowToast records the toast.
func (a *Adapter) ShowToast(_ context.Context, toast core.Toast) error {
	return a.record(Call{Method: MethodToast, Toast: toast})
}

// UserMessage builds a completed user message with a single text part,
// handy for scripting transcripts.
func UserMessage(session core.SessionID, id core.MessageID, text string) core.Message {
	return core.Message{
		Info: core.MessageInfo{
			ID:        id,
			SessionID: session,
			Role:      core.RoleUser,
			Status:    core.StatusCompleted,
		},
		Parts: []core.MessagePart{{Type: core.PartText, Text: text}},
	}
}

// AssistantMessage builds an assistant message attributed to the model.
func AssistantMessage(session core.SessionID, id core.MessageID, model core.ModelRef, status string) core.Message {
	return core.Message{
		Info: core.MessageInfo{
			ID:         id,
			SessionID:  session,
			Role:       core.RoleAssistant,
			ProviderID: model.Provider,
			ModelID:    model.Model,
			Status:     status,
		},
	}
}

var _ host.Adapter = (*Adapter)(nil)
