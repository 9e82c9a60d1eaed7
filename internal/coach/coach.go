// Package coach is the client for the upstream prompt provider. The
// coach reads Gizmo's current internal state and returns an enriched
// system prompt together with an emotion label that colours one turn.
package coach

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/gizmo/internal/httpkit"
)

// DefaultTimeout bounds a single coach call.
const DefaultTimeout = 10 * time.Second

// ErrTimeout marks a coach call that exceeded its deadline.
var ErrTimeout = errors.New("coach: timeout")

// Context is the enriched context for one turn.
type Context struct {
	Prompt  string
	Emotion string
}

// Config configures a Client.
type Config struct {
	URL     string
	Timeout time.Duration

	// FallbackPrompt replaces an empty prompt from the coach.
	FallbackPrompt string

	Client *http.Client
	Logger *slog.Logger
}

// Client calls the coach over HTTP.
type Client struct {
	url            string
	timeout        time.Duration
	fallbackPrompt string
	httpClient     *http.Client
	logger         *slog.Logger
}

// The coach runs as a sibling process and refuses connections while it
// starts up.
const (
	dialRetries    = 2
	dialRetryDelay = 500 * time.Millisecond
)

// New creates a coach client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithRetry(dialRetries, dialRetryDelay),
			httpkit.WithLogger(logger),
		)
	}
	return &Client{
		url:            strings.TrimRight(cfg.URL, "/"),
		timeout:        timeout,
		fallbackPrompt: cfg.FallbackPrompt,
		httpClient:     client,
		logger:         logger.With("component", "coach"),
	}
}

type rpcRequest struct {
	Method string `json:"method"`
	ID     int    `json:"id"`
	Params any    `json:"params,omitempty"`
}

type rpcReply struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type promptResult struct {
	Prompt  string          `json:"prompt"`
	Emotion json.RawMessage `json:"emotion"`
}

// GetContext fetches the enriched prompt and emotion label. An empty
// prompt is replaced by the fallback prompt; a structured emotion value
// is rendered as compact JSON.
func (c *Client) GetContext(ctx context.Context) (*Context, error) {
	raw, err := c.call(ctx, "get_prompt_context", nil)
	if err != nil {
		return nil, err
	}

	var result promptResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode coach result: %w", err)
		}
	}

	out := &Context{
		Prompt:  result.Prompt,
		Emotion: renderEmotion(result.Emotion),
	}
	if strings.TrimSpace(out.Prompt) == "" {
		c.logger.Warn("coach returned no prompt, using fallback")
		out.Prompt = c.fallbackPrompt
	}

	c.logger.Debug("coach context received",
		"prompt_len", len(out.Prompt),
		"emotion", out.Emotion,
	)
	return out, nil
}

// ApplyReward forwards user feedback to the coach.
func (c *Client) ApplyReward(ctx context.Context, feedback string, intensity float64) error {
	_, err := c.call(ctx, "apply_reward", map[string]any{
		"feedback":  feedback,
		"intensity": intensity,
	})
	return err
}

// Ping reports whether the coach answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coach health returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{Method: method, ID: 1, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal coach request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create coach request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, c.timeout, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("coach %s: %w", method, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coach returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read coach reply: %w", err)
	}
	var reply rpcReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("decode coach reply: %w", err)
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("coach %s: %s", method, reply.Error.Message)
	}
	return reply.Result, nil
}

// renderEmotion turns the coach's emotion value into the label used in
// the mood injection: strings as is, anything else as compact JSON.
func renderEmotion(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
