package llm

import (
	"google.golang.org/genai"

	"github.com/nugget/gizmo/internal/conversation"
)

// Wire content roles. Function responses travel as user content.
const (
	wireUser  = "user"
	wireModel = "model"
)

// generateRequest is the streamGenerateContent request body.
type generateRequest struct {
	Contents          []*genai.Content `json:"contents"`
	SystemInstruction *genai.Content   `json:"systemInstruction,omitempty"`
	Tools             []*genai.Tool    `json:"tools,omitempty"`
}

// apiError is the error object Gemini sends in place of a response,
// either as the HTTP body or as a stream event.
type apiError struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// buildRequest converts a history into the provider's wire shape.
//
// System turns become the system instruction. Tool-call parts on model
// turns are not sent; each run of tool turns is sent as one model
// content holding the function calls followed by one user content
// holding the function responses. Adjacent contents with the same role
// are merged, so the function calls join the model text that preceded
// them.
func buildRequest(history conversation.History, decls []*genai.FunctionDeclaration) *generateRequest {
	req := &generateRequest{Contents: []*genai.Content{}}
	if len(decls) > 0 {
		req.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	for i := 0; i < len(history); i++ {
		turn := history[i]
		switch turn.Role {
		case conversation.RoleSystem:
			if req.SystemInstruction == nil {
				req.SystemInstruction = &genai.Content{}
			}
			req.SystemInstruction.Parts = append(req.SystemInstruction.Parts, textParts(turn)...)

		case conversation.RoleUser:
			req.Contents = appendContent(req.Contents, wireUser, textParts(turn))

		case conversation.RoleModel:
			req.Contents = appendContent(req.Contents, wireModel, textParts(turn))

		case conversation.RoleTool:
			var calls, responses []*genai.Part
			for ; i < len(history) && history[i].Role == conversation.RoleTool; i++ {
				for _, p := range history[i].Parts {
					if p.ToolResult == nil {
						continue
					}
					r := p.ToolResult
					calls = append(calls, &genai.Part{
						FunctionCall:     &genai.FunctionCall{ID: r.ID, Name: r.Name, Args: r.Args},
						ThoughtSignature: r.Signature,
					})
					responses = append(responses, &genai.Part{
						FunctionResponse: &genai.FunctionResponse{ID: r.ID, Name: r.Name, Response: r.Response},
					})
				}
			}
			i--
			req.Contents = appendContent(req.Contents, wireModel, calls)
			req.Contents = appendContent(req.Contents, wireUser, responses)
		}
	}
	return req
}

// appendContent appends parts as a content of role, merging into the
// last content when it has the same role. Empty part lists are dropped.
func appendContent(contents []*genai.Content, role string, parts []*genai.Part) []*genai.Content {
	if len(parts) == 0 {
		return contents
	}
	if n := len(contents); n > 0 && contents[n-1].Role == role {
		contents[n-1].Parts = append(contents[n-1].Parts, parts...)
		return contents
	}
	return append(contents, &genai.Content{Role: role, Parts: parts})
}

func textParts(turn conversation.Turn) []*genai.Part {
	var parts []*genai.Part
	for _, p := range turn.Parts {
		if p.Text != "" {
			parts = append(parts, &genai.Part{Text: p.Text})
		}
	}
	return parts
}
