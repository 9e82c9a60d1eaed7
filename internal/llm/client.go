package llm

import (
	"context"

	"google.golang.org/genai"

	"github.com/nugget/gizmo/internal/conversation"
)

// Generator runs one streaming generation round.
type Generator interface {
	// StreamRound sends history and tool declarations, forwards text
	// fragments to onText as they arrive, and returns what the round
	// produced. It does not modify history. An empty tools slice means
	// no tools are offered this round.
	StreamRound(ctx context.Context, history conversation.History, tools []*genai.FunctionDeclaration, onText TextCallback) (*Round, error)
}
