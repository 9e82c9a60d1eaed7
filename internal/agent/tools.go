package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nugget/gizmo/internal/conversation"
	"github.com/nugget/gizmo/internal/llm"
)

// timeoutMessage is the error recorded for a tool call that exceeded its
// deadline.
const timeoutMessage = "timeout"

// toolsDisabledMessage is recorded for calls made while no gateway is
// configured.
const toolsDisabledMessage = "tools disabled"

// executeTools runs calls sequentially in declared order, appending one
// tool turn per call. A failing tool is recorded as an error result and
// does not stop the remaining calls. Cancellation of ctx stops before
// the next call is issued.
func (l *Loop) executeTools(ctx context.Context, t *turn, calls []conversation.ToolCall) error {
	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			t.logger.Info("turn cancelled before tool call",
				"tool", call.Name,
				"remaining", len(calls)-i,
			)
			return err
		}

		t.emit(t.phrases.ToolProgress(call.Name))
		if t.stream != nil {
			c := call
			t.stream(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCall: &c})
		}

		start := l.now()
		response, errMsg := l.callTool(ctx, call)
		elapsed := l.now().Sub(start)

		if errMsg != "" {
			t.logger.Warn("tool call failed",
				"tool", call.Name,
				"error", errMsg,
				"elapsed", elapsed.Round(time.Millisecond),
			)
		} else {
			t.logger.Info("tool call completed",
				"tool", call.Name,
				"elapsed", elapsed.Round(time.Millisecond),
			)
		}

		if t.stream != nil {
			ev := llm.StreamEvent{Kind: llm.KindToolCallDone, ToolName: call.Name, ToolError: errMsg}
			if errMsg == "" {
				if data, err := json.Marshal(response); err == nil {
					ev.ToolResult = string(data)
				}
			}
			t.stream(ev)
		}

		t.history = append(t.history, conversation.Turn{
			Role:      conversation.RoleTool,
			Timestamp: l.now(),
			Parts: []conversation.Part{{
				ToolResult: &conversation.ToolResult{
					ID:        call.ID,
					Name:      call.Name,
					Args:      call.Args,
					Response:  response,
					Signature: call.Signature,
				},
			}},
		})
		t.resp.ToolCalls++
	}
	return nil
}

// callTool executes one call and returns the response payload for the
// tool turn. errMsg is non-empty when the payload records a failure.
func (l *Loop) callTool(ctx context.Context, call conversation.ToolCall) (response map[string]any, errMsg string) {
	if l.tools == nil {
		errMsg = toolsDisabledMessage
		return map[string]any{"error": errMsg}, errMsg
	}
	if !l.catalog.Has(call.Name) {
		errMsg = "unknown tool: " + call.Name
		return map[string]any{"error": errMsg}, errMsg
	}
	if l.validate {
		if err := l.catalog.Validate(call.Name, call.Args); err != nil {
			errMsg = err.Error()
			return map[string]any{"error": errMsg}, errMsg
		}
	}

	output, err := l.tools.CallTool(ctx, call.Name, call.Args)
	if err != nil {
		errMsg = err.Error()
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			errMsg = timeoutMessage
		}
		return map[string]any{"error": errMsg}, errMsg
	}
	return parseToolOutput(output), ""
}

// parseToolOutput turns gateway output into a function response. A JSON
// object is used as is; any other output is wrapped under "content".
func parseToolOutput(output string) map[string]any {
	trimmed := bytes.TrimSpace([]byte(output))
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var obj map[string]any
		if err := json.Unmarshal(trimmed, &obj); err == nil && obj != nil {
			return obj
		}
	}
	return map[string]any{"content": output}
}

func callNames(calls []conversation.ToolCall) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}
