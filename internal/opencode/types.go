package opencode

import "encoding/json"

// Role values for transcript messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PartTypeText is the only message part type the loop inspects.
const PartTypeText = "text"

// EventSessionIdle is the event type emitted when a session has no
// in-flight activity. The loop controller acts only on this type.
const EventSessionIdle = "session.idle"

// Message is one turn in a session transcript.
type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// MessageInfo carries the turn's metadata.
type MessageInfo struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	SessionID string `json:"sessionID"`
}

// Part is one typed content part within a message.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Text concatenates the message's text parts, one per line. Non-text
// parts (tool calls, attachments, step markers) are skipped.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type != PartTypeText {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

// Event is one frame from the server's event stream. Properties stays
// raw because the payload shape varies by type; consumers decode only
// the types they handle.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// SessionID extracts the session identifier from the event payload.
// Returns an empty string when the payload has none.
func (e Event) SessionID() string {
	var props struct {
		SessionID string `json:"sessionID"`
	}
	if err := json.Unmarshal(e.Properties, &props); err != nil {
		return ""
	}
	return props.SessionID
}

// Toast severity variants understood by the opencode TUI.
const (
	VariantInfo    = "info"
	VariantSuccess = "success"
	VariantWarning = "warning"
	VariantError   = "error"
)

// Toast is a transient notification shown in the opencode TUI.
type Toast struct {
	Title    string `json:"title,omitempty"`
	Message  string `json:"message"`
	Variant  string `json:"variant"`
	Duration int    `json:"duration,omitempty"` // milliseconds
}
