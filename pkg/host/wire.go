package host

import (
	"encoding/json"
	"fmt"

	"github.com/backstoplabs/backstop/pkg/core"
)

// Wire shapes for the host's HTTP API and event stream. The core types
// stay transport-free; everything JSON-shaped lives here.

type wirePart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	Mime     string `json:"mime,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type wireErrorData struct {
	StatusCode   int    `json:"statusCode,omitempty"`
	Message      string `json:"message,omitempty"`
	ResponseBody string `json:"responseBody,omitempty"`
}

type wireError struct {
	Name    string         `json:"name,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    *wireErrorData `json:"data,omitempty"`
}

type wireMessageInfo struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"sessionID"`
	Role       string     `json:"role"`
	ProviderID string     `json:"providerID,omitempty"`
	ModelID    string     `json:"modelID,omitempty"`
	Agent      string     `json:"agent,omitempty"`
	Status     string     `json:"status,omitempty"`
	Error      *wireError `json:"error,omitempty"`
}

type wireMessage struct {
	Info  wireMessageInfo `json:"info"`
	Parts []wirePart      `json:"parts"`
}

type wireSession struct {
	ID    string `json:"id"`
	Agent string `json:"agent,omitempty"`
}

type wireModel struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

type wirePrompt struct {
	Parts []wirePart `json:"parts"`
	Model wireModel  `json:"model"`
	Agent string     `json:"agent,omitempty"`
}

type wireToast struct {
	Title      string `json:"title,omitempty"`
	Message    string `json:"message"`
	Variant    string `json:"variant"`
	DurationMS int64  `json:"duration,omitempty"`
}

func toWireParts(parts []core.MessagePart) []wirePart {
	out := make([]wirePart, 0, len(parts))
	for _, p := range parts {
		out = append(out, wirePart{
			Type:     string(p.Type),
			Text:     p.Text,
			URL:      p.URL,
			Mime:     p.MIME,
			Filename: p.Filename,
		})
	}
	return out
}

func fromWireParts(parts []wirePart) []core.MessagePart {
	out := make([]core.MessagePart, 0, len(parts))
	for _, p := range parts {
		out = append(out, core.MessagePart{
			Type:     core.PartType(p.Type),
			Text:     p.Text,
			URL:      p.URL,
			MIME:     p.Mime,
			Filename: p.Filename,
		})
	}
	return out
}

func fromWireError(e *wireError) *core.Classifiable {
	if e == nil {
		return nil
	}
	c := &core.Classifiable{Name: e.Name, Message: e.Message}
	if e.Data != nil {
		c.StatusCode = e.Data.StatusCode
		c.DataMessage = e.Data.Message
		c.ResponseBody = e.Data.ResponseBody
	}
	return c
}

func fromWireInfo(info wireMessageInfo) core.MessageInfo {
	return core.MessageInfo{
		ID:         core.MessageID(info.ID),
		SessionID:  core.SessionID(info.SessionID),
		Role:       info.Role,
		ProviderID: info.ProviderID,
		ModelID:    info.ModelID,
		Agent:      info.Agent,
		Status:     info.Status,
		Error:      fromWireError(info.Error),
	}
}

func fromWireMessage(m wireMessage) core.Message {
	return core.Message{Info: fromWireInfo(m.Info), Parts: fromWireParts(m.Parts)}
}

func toWireToast(t core.Toast) wireToast {
	variant := t.Variant
	if variant == "" {
		variant = core.ToastInfo
	}
	return wireToast{
		Title:      t.Title,
		Message:    t.Message,
		Variant:    string(variant),
		DurationMS: t.Duration.Milliseconds(),
	}
}

// wireEvent is the envelope on the host's SSE stream.
type wireEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// DecodeEvent turns one SSE payload into a typed event. Unknown event
// types return (nil, nil) so callers can skip them without logging noise
// on every heartbeat the host emits.
func DecodeEvent(payload []byte) (core.Event, error) {
	var envelope wireEvent
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}

	switch envelope.Type {
	case string(core.EventSessionError):
		var props struct {
			SessionID string     `json:"sessionID"`
			Error     *wireError `json:"error"`
		}
		if err := json.Unmarshal(envelope.Properties, &props); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		ev := core.SessionError{SessionID: core.SessionID(props.SessionID)}
		if c := fromWireError(props.Error); c != nil {
			ev.Err = *c
		}
		return ev, nil

	case string(core.EventMessageUpdated):
		var props struct {
			Info wireMessageInfo `json:"info"`
		}
		if err := json.Unmarshal(envelope.Properties, &props); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		return core.MessageUpdated{Info: fromWireInfo(props.Info)}, nil

	case string(core.EventSessionStatus):
		var props struct {
			SessionID string `json:"sessionID"`
			Status    struct {
				Type    string `json:"type"`
				Message string `json:"message,omitempty"`
			} `json:"status"`
		}
		if err := json.Unmarshal(envelope.Properties, &props); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		return core.SessionStatus{
			SessionID: core.SessionID(props.SessionID),
			Status: core.StatusInfo{
				Type:    props.Status.Type,
				Message: props.Status.Message,
			},
		}, nil

	case string(core.EventSubagentCreated):
		var props struct {
			SessionID       string `json:"sessionID"`
			ParentSessionID string `json:"parentSessionID"`
		}
		if err := json.Unmarshal(envelope.Properties, &props); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		return core.SubagentCreated{
			SessionID:       core.SessionID(props.SessionID),
			ParentSessionID: core.SessionID(props.ParentSessionID),
		}, nil
	}
	return nil, nil
}
