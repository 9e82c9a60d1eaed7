// Package conversation defines the persisted shape of a Gizmo
// conversation: turns made of ordered parts, the history they form, and
// the metadata kept alongside it.
package conversation

import (
	"strings"
	"time"
)

// Role identifies who authored a turn.
type Role string

// Turn roles.
const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleTool   Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`

	// Signature is the provider's opaque thought signature, echoed back
	// with the call in later rounds.
	Signature []byte `json:"signature,omitempty"`
}

// ToolResult is a resolved tool invocation: the call as the model asked
// for it and the response payload handed back to the model.
type ToolResult struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Args     map[string]any `json:"args,omitempty"`
	Response map[string]any `json:"response"`

	Signature []byte `json:"signature,omitempty"`
}

// Part is one content fragment of a turn. Exactly one field is set.
type Part struct {
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// TextPart returns a plain text part.
func TextPart(s string) Part {
	return Part{Text: s}
}

// Turn is one role's contribution to a conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	Timestamp time.Time `json:"timestamp"`

	// Transient turns shape a single generation round and are never
	// persisted. Reconcile drops them unconditionally.
	Transient bool `json:"transient,omitempty"`
}

// NewTextTurn builds a turn holding a single text part.
func NewTextTurn(role Role, text string, ts time.Time) Turn {
	return Turn{Role: role, Parts: []Part{TextPart(text)}, Timestamp: ts}
}

// Text concatenates the turn's text parts.
func (t Turn) Text() string {
	var sb strings.Builder
	for _, p := range t.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// ToolCalls returns the tool-call parts of the turn in order.
func (t Turn) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range t.Parts {
		if p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// History is the ordered sequence of turns for one conversation.
type History []Turn

// Clone returns a copy whose turn and part slices can be appended to
// without touching h.
func (h History) Clone() History {
	if h == nil {
		return nil
	}
	out := make(History, len(h))
	for i, t := range h {
		t.Parts = append([]Part(nil), t.Parts...)
		out[i] = t
	}
	return out
}

// Metadata describes a stored conversation.
type Metadata struct {
	ID          string    `json:"id"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
	LastMessage string    `json:"last_message"`
}
