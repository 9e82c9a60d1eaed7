// Package llm provides the streaming generation client.
package llm

import (
	"fmt"
	"time"

	"github.com/nugget/gizmo/internal/conversation"
)

// TextCallback receives text fragments in arrival order.
type TextCallback func(text string)

// Round is everything one generation round produced.
type Round struct {
	// Text is the concatenation of every fragment passed to the
	// TextCallback, in order.
	Text string

	// ToolCalls are the function calls requested this round, in the
	// order the model declared them.
	ToolCalls []conversation.ToolCall

	// Turn is the single model turn recording the round: one text part
	// holding Text (if any) followed by one part per tool call.
	Turn conversation.Turn

	Model        string
	InputTokens  int
	OutputTokens int
	Elapsed      time.Duration
}

// UpstreamError is returned when the provider answers with an HTTP error
// status, or reports an error inside the stream.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("generation upstream returned %d: %s", e.StatusCode, e.Body)
}

// StreamEvent is a single event on a caller-facing turn stream.
// Consumers switch on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// ToolCall is set for KindToolCallStart events.
	ToolCall *conversation.ToolCall

	// ToolName, ToolResult and ToolError are set for KindToolCallDone
	// events.
	ToolName   string
	ToolResult string
	ToolError  string
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is caller-visible text: a model fragment or a progress
	// marker.
	KindToken StreamEventKind = iota

	// KindToolCallStart fires before a tool is invoked.
	KindToolCallStart

	// KindToolCallDone fires when a tool execution completes.
	KindToolCallDone
)

// String returns the event kind name used in logs and API frames.
func (k StreamEventKind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindToolCallStart:
		return "tool_call_start"
	case KindToolCallDone:
		return "tool_call_done"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// StreamCallback receives streaming events. Pure-text consumers check
// event.Kind == KindToken.
type StreamCallback func(event StreamEvent)
