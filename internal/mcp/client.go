package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/gizmo/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// DefaultCallTimeout bounds a single gateway call when no timeout is
// configured.
const DefaultCallTimeout = 30 * time.Second

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the initialize response result.
type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      serverInfo `json:"serverInfo"`
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCallTimeout bounds every request and notification. Zero disables
// the per-call deadline.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// Client talks to the tool gateway. Request ids increase strictly from
// 1 for the life of the client.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	timeout   time.Duration
	nextID    atomic.Int64

	mu          sync.RWMutex
	initialized bool
	serverName  string
	serverVer   string
}

// NewClient creates a client for the named gateway over transport.
func NewClient(name string, transport Transport, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
		timeout:   DefaultCallTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the gateway name.
func (c *Client) Name() string {
	return c.name
}

// Initialized reports whether the handshake completed.
func (c *Client) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// ServerInfo returns the name and version reported by the gateway.
func (c *Client) ServerInfo() (name, version string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName, c.serverVer
}

// Initialize performs the MCP handshake: an initialize request followed
// by the notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "gizmo",
			"version": buildinfo.Version,
		},
	}

	raw, err := c.Call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	if err := c.Notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.mu.Unlock()

	c.logger.Info("gateway session initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// Call issues a JSON-RPC request and returns its result. A remote error
// is returned as *RPCError. Timeouts are never retried.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req := NewRequest(id, method, params)

	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := c.transport.Send(callCtx, req)
	if err != nil {
		return nil, c.timeoutError(ctx, callCtx, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	c.logger.Debug("gateway call complete",
		"method", method,
		"id", id,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return resp.Result, nil
}

// Notify sends a fire-and-forget notification.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.transport.Notify(callCtx, NewNotification(method, params)); err != nil {
		return c.timeoutError(ctx, callCtx, err)
	}
	return nil
}

// ListTools calls tools/list and returns the tool definitions.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := c.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	c.logger.Info("discovered gateway tools", "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a tool and returns its output: the concatenated text
// content blocks, or the raw result JSON when there are none. A result
// flagged isError is returned as an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	raw, err := c.Call(ctx, "tools/call", params)
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("unmarshal tools/call result: %w", err)
	}

	text := extractText(result.Content)
	if result.IsError {
		return "", fmt.Errorf("tool %s returned error: %s", name, text)
	}
	if text == "" {
		return string(raw), nil
	}
	return text, nil
}

// Ping checks whether the gateway is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, "ping", nil)
	return err
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	c.logger.Info("closing gateway client")
	return c.transport.Close()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// timeoutError marks err as a per-call timeout when the call's own
// deadline fired while the caller's context is still live.
func (c *Client) timeoutError(parent, callCtx context.Context, err error) error {
	if parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrTimeout, c.timeout, context.DeadlineExceeded)
	}
	return err
}

// extractText concatenates the text content blocks.
func extractText(blocks []ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" || b.Text != "" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
