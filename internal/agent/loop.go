// Package agent implements the turn orchestrator: it prepares the
// working history for a user turn, runs at most two generation rounds
// with tool execution in between, and persists the reconciled result.
package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nugget/gizmo/internal/coach"
	"github.com/nugget/gizmo/internal/conversation"
	"github.com/nugget/gizmo/internal/llm"
	"github.com/nugget/gizmo/internal/mcp"
	"github.com/nugget/gizmo/internal/memory"
	"github.com/nugget/gizmo/internal/prompts"
)

// ErrNoConversation is returned when a request names no conversation.
var ErrNoConversation = errors.New("conversation id is required")

// PromptSource supplies the enriched system prompt and emotion label
// for one turn.
type PromptSource interface {
	GetContext(ctx context.Context) (*coach.Context, error)
}

// ToolCaller executes a tool on the gateway and returns its text output.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// Request is one user turn.
type Request struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	Language       string `json:"language,omitempty"`
}

// Response describes a completed turn.
type Response struct {
	ConversationID string `json:"conversation_id"`

	// Content is everything streamed to the caller, progress markers
	// included, in order.
	Content string `json:"response"`

	// Answer is the model's final answer as persisted.
	Answer string `json:"-"`

	RequestID    string        `json:"request_id"`
	Model        string        `json:"model,omitempty"`
	Rounds       int           `json:"rounds"`
	ToolCalls    int           `json:"tool_calls"`
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
	Elapsed      time.Duration `json:"-"`
}

// Config holds the collaborators of a Loop. Generator, Prompts and
// Store are required; a nil Catalog or Tools disables tool use.
type Config struct {
	Generator llm.Generator
	Prompts   PromptSource
	Store     memory.Store
	Catalog   *mcp.Catalog
	Tools     ToolCaller

	// Language is used when a request names none.
	Language string

	// ValidateArguments checks tool arguments against the catalog's
	// input schemas before calling the gateway.
	ValidateArguments bool

	// PersistRetries is the number of retries after a failed write.
	PersistRetries int
	// PersistBackoff is the first retry delay; it doubles per attempt.
	PersistBackoff time.Duration

	Logger *slog.Logger
}

// Loop is the turn orchestrator.
type Loop struct {
	gen      llm.Generator
	prompts  PromptSource
	store    memory.Store
	catalog  *mcp.Catalog
	tools    ToolCaller
	language string
	validate bool

	persistRetries int
	persistBackoff time.Duration

	locks  *keyedMutex
	logger *slog.Logger
	now    func() time.Time
}

// NewLoop creates a turn orchestrator.
func NewLoop(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lang := cfg.Language
	if lang == "" {
		lang = prompts.DefaultLanguage
	}
	backoff := cfg.PersistBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	retries := cfg.PersistRetries
	if retries < 0 {
		retries = 0
	}
	return &Loop{
		gen:            cfg.Generator,
		prompts:        cfg.Prompts,
		store:          cfg.Store,
		catalog:        cfg.Catalog,
		tools:          cfg.Tools,
		language:       lang,
		validate:       cfg.ValidateArguments,
		persistRetries: retries,
		persistBackoff: backoff,
		locks:          newKeyedMutex(),
		logger:         logger,
		now:            time.Now,
	}
}

// Catalog returns the tool catalog the loop offers to the model.
func (l *Loop) Catalog() *mcp.Catalog {
	return l.catalog
}

// turn is the working state of one Run.
type turn struct {
	req      *Request
	phrases  prompts.Phrases
	history  conversation.History
	created  time.Time
	decls    []*genai.FunctionDeclaration
	stream   llm.StreamCallback
	content  strings.Builder
	resp     *Response
	logger   *slog.Logger
	answered string
}

func (t *turn) emit(text string) {
	if text == "" {
		return
	}
	t.content.WriteString(text)
	if t.stream != nil {
		t.stream(llm.StreamEvent{Kind: llm.KindToken, Token: text})
	}
}

// Run processes one user turn. Text fragments and progress markers are
// passed to stream as they are produced; stream may be nil.
//
// A failure before or during a generation round returns an error and
// leaves the persisted history untouched. A failure to persist after a
// successful turn returns the Response together with a *PersistError.
func (l *Loop) Run(ctx context.Context, req *Request, stream llm.StreamCallback) (*Response, error) {
	if req == nil || req.ConversationID == "" {
		return nil, ErrNoConversation
	}

	start := l.now()
	requestID := generateRequestID()
	lang := req.Language
	if lang == "" {
		lang = l.language
	}

	t := &turn{
		req:     req,
		phrases: prompts.For(lang),
		stream:  stream,
		logger:  l.logger.With("request_id", requestID, "conversation", req.ConversationID),
		resp: &Response{
			ConversationID: req.ConversationID,
			RequestID:      requestID,
		},
	}

	unlock, err := l.locks.lock(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t.logger.Info("turn started", "language", t.phrases.Language, "text_len", len(req.Text))

	if err := l.prepare(ctx, t); err != nil {
		t.logger.Error("turn preparation failed", "error", err)
		return nil, err
	}

	for r := roundOne; ; r = r.next() {
		rd, err := l.runRound(ctx, t, r)
		if err != nil {
			t.logger.Error("generation round failed", "round", r, "error", err)
			return nil, fmt.Errorf("%s: %w", r, err)
		}

		calls := rd.ToolCalls
		if len(calls) > 0 && r.final() {
			t.logger.Warn("discarding tool calls from final round",
				"round", r,
				"count", len(calls),
				"tools", callNames(calls),
			)
			calls = nil
		}
		if len(calls) == 0 {
			break
		}

		if err := l.executeTools(ctx, t, calls); err != nil {
			t.logger.Warn("tool execution interrupted", "error", err)
			return nil, err
		}
	}

	if strings.TrimSpace(t.answered) == "" {
		t.logger.Warn("no answer generated, using fallback")
		t.answered = t.phrases.EmptyAnswer
		t.emit(t.answered)
		t.history = append(t.history, conversation.NewTextTurn(conversation.RoleModel, t.answered, l.now()))
	}

	t.resp.Content = t.content.String()
	t.resp.Answer = strings.TrimSpace(t.answered)
	t.resp.Elapsed = l.now().Sub(start)

	persistErr := l.persist(ctx, t)

	t.logger.Info("turn completed",
		"rounds", t.resp.Rounds,
		"tool_calls", t.resp.ToolCalls,
		"input_tokens", t.resp.InputTokens,
		"output_tokens", t.resp.OutputTokens,
		"elapsed", t.resp.Elapsed.Round(time.Millisecond),
		"persisted", persistErr == nil,
	)

	if persistErr != nil {
		return t.resp, persistErr
	}
	return t.resp, nil
}

// prepare loads history and appends the transient mood pair followed by
// the user message.
func (l *Loop) prepare(ctx context.Context, t *turn) error {
	enriched, err := l.prompts.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("enriched context: %w", err)
	}
	prompt := enriched.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = t.phrases.FallbackPrompt
	}

	history, err := l.store.LoadHistory(ctx, t.req.ConversationID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	meta, err := l.store.GetMetadata(ctx, t.req.ConversationID)
	if err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}
	if meta != nil {
		t.created = meta.Created
	}

	now := l.now()
	if len(history) == 0 {
		t.logger.Debug("starting new conversation")
		history = append(history,
			conversation.NewTextTurn(conversation.RoleSystem, prompt, now),
			conversation.NewTextTurn(conversation.RoleModel, t.phrases.Ready, now),
		)
	}

	mood := conversation.NewTextTurn(conversation.RoleUser, t.phrases.Mood(enriched.Emotion), now)
	mood.Transient = true
	ack := conversation.NewTextTurn(conversation.RoleModel, t.phrases.MoodAck, now)
	ack.Transient = true

	t.history = append(history, mood, ack,
		conversation.NewTextTurn(conversation.RoleUser, t.req.Text, now))

	if !l.catalog.Empty() && l.tools != nil {
		t.decls = l.catalog.Declarations()
	}

	t.logger.Debug("turn prepared",
		"history", len(t.history),
		"emotion", enriched.Emotion,
		"tools", len(t.decls),
	)
	return nil
}

// runRound streams one generation round and appends its model turn.
func (l *Loop) runRound(ctx context.Context, t *turn, r round) (*llm.Round, error) {
	t.logger.Debug("starting round", "round", r, "history", len(t.history), "tools", len(t.decls))

	rd, err := l.gen.StreamRound(ctx, t.history, t.decls, t.emit)
	if err != nil {
		return nil, err
	}

	t.history = append(t.history, rd.Turn)
	t.resp.Rounds++
	t.resp.Model = rd.Model
	t.resp.InputTokens += rd.InputTokens
	t.resp.OutputTokens += rd.OutputTokens
	if strings.TrimSpace(rd.Text) != "" {
		t.answered = rd.Text
	}

	t.logger.Info("round completed",
		"round", r,
		"text_len", len(rd.Text),
		"tool_calls", len(rd.ToolCalls),
		"elapsed", rd.Elapsed.Round(time.Millisecond),
	)
	return rd, nil
}

// generateRequestID returns a short random id used to correlate the log
// lines of one turn.
func generateRequestID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return "r_" + hex.EncodeToString(b[:])
}
