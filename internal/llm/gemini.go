package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nugget/gizmo/internal/config"
	"github.com/nugget/gizmo/internal/conversation"
	"github.com/nugget/gizmo/internal/httpkit"
)

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	BaseURL string // e.g. https://generativelanguage.googleapis.com/v1beta
	APIKey  string
	Model   string

	// Timeout bounds a whole round, stream included. Zero means no
	// deadline beyond the caller's context.
	Timeout time.Duration

	// Client overrides the HTTP client, for tests.
	Client *http.Client
	Logger *slog.Logger
}

// GeminiClient streams generation rounds from the Gemini REST API.
type GeminiClient struct {
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewGeminiClient creates a Gemini client.
func NewGeminiClient(cfg GeminiConfig) *GeminiClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		// No overall timeout: rounds stream for tens of seconds and are
		// bounded by their context instead.
		client = httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(logger))
	}
	return &GeminiClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		httpClient: client,
		logger:     logger.With("provider", "gemini", "model", cfg.Model),
		now:        time.Now,
	}
}

// Model returns the configured model name.
func (c *GeminiClient) Model() string {
	return c.model
}

func (c *GeminiClient) endpoint() string {
	return fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, url.PathEscape(c.model))
}

// StreamRound opens one streaming request for history and tools. Text
// parts are passed to onText immediately, in order; function-call parts
// are collected into the returned Round. Thought parts are not
// forwarded. Once ctx is done no further text is forwarded.
func (c *GeminiClient) StreamRound(ctx context.Context, history conversation.History, tools []*genai.FunctionDeclaration, onText TextCallback) (*Round, error) {
	roundCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.timeout > 0 {
		roundCtx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	defer cancel()

	start := time.Now()
	round, err := c.stream(roundCtx, history, tools, onText)
	if err != nil {
		if ctx.Err() == nil && errors.Is(roundCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("generation round timed out after %s: %w", c.timeout, context.DeadlineExceeded)
		}
		return nil, err
	}
	round.Elapsed = time.Since(start)

	c.logger.Debug("round complete",
		"text_len", len(round.Text),
		"tool_calls", len(round.ToolCalls),
		"input_tokens", round.InputTokens,
		"output_tokens", round.OutputTokens,
		"elapsed", round.Elapsed.Round(time.Millisecond),
	)
	return round, nil
}

func (c *GeminiClient) stream(ctx context.Context, history conversation.History, tools []*genai.FunctionDeclaration, onText TextCallback) (*Round, error) {
	body, err := json.Marshal(buildRequest(history, tools))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "generation request", "body", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generation request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode >= 400 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("generation upstream error", "status", resp.StatusCode, "body", errBody)
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: errBody}
	}

	var (
		text      strings.Builder
		toolCalls []conversation.ToolCall
		round     = &Round{Model: c.model}
	)

	sc := httpkit.NewSSEScanner(resp.Body)
	for sc.Next() {
		data := strings.TrimSpace(sc.Event().Data)
		if data == "" {
			continue
		}
		if data == httpkit.DoneSentinel {
			break
		}
		c.logger.Log(ctx, config.LevelTrace, "generation event", "data", data)

		var chunk genai.GenerateContentResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("skipping malformed generation event", "error", err, "data", truncate(data, 200))
			continue
		}
		var upstream apiError
		if json.Unmarshal([]byte(data), &upstream) == nil && upstream.Error != nil {
			return nil, &UpstreamError{StatusCode: upstream.Error.Code, Body: upstream.Error.Message}
		}

		if chunk.UsageMetadata != nil {
			round.InputTokens = int(chunk.UsageMetadata.PromptTokenCount)
			round.OutputTokens = int(chunk.UsageMetadata.CandidatesTokenCount)
		}
		if chunk.ModelVersion != "" {
			round.Model = chunk.ModelVersion
		}
		if len(chunk.Candidates) == 0 || chunk.Candidates[0].Content == nil {
			continue
		}

		for _, part := range chunk.Candidates[0].Content.Parts {
			if part == nil {
				continue
			}
			switch {
			case part.FunctionCall != nil:
				toolCalls = append(toolCalls, conversation.ToolCall{
					ID:        part.FunctionCall.ID,
					Name:      part.FunctionCall.Name,
					Args:      part.FunctionCall.Args,
					Signature: part.ThoughtSignature,
				})
			case part.Thought:
				c.logger.Log(ctx, config.LevelTrace, "thought part skipped", "len", len(part.Text))
			case part.Text != "":
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				text.WriteString(part.Text)
				if onText != nil {
					onText(part.Text)
				}
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read generation stream: %w", err)
	}

	round.Text = text.String()
	round.ToolCalls = toolCalls
	round.Turn = modelTurn(round.Text, toolCalls, c.now())
	return round, nil
}

// modelTurn records a round as one model turn.
func modelTurn(text string, calls []conversation.ToolCall, ts time.Time) conversation.Turn {
	turn := conversation.Turn{Role: conversation.RoleModel, Timestamp: ts}
	if text != "" {
		turn.Parts = append(turn.Parts, conversation.TextPart(text))
	}
	for i := range calls {
		call := calls[i]
		turn.Parts = append(turn.Parts, conversation.Part{ToolCall: &call})
	}
	return turn
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
