package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/gizmo/internal/config"
	"github.com/nugget/gizmo/internal/httpkit"
)

// SessionHeader carries the gateway-issued session token.
const SessionHeader = "Mcp-Session-Id"

// maxBody bounds a single JSON response body.
const maxBody = 10 << 20

// HTTPConfig configures an HTTP MCP transport that communicates with the
// gateway over streamable HTTP (JSON-RPC over POST).
type HTTPConfig struct {
	// URL is the MCP endpoint, e.g. http://localhost:5002/mcp.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Client overrides the HTTP client. Nil builds one via httpkit
	// without an overall timeout; calls are bounded by their context.
	Client *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with the gateway over streamable HTTP. Each
// JSON-RPC request is one HTTP POST; the response body is either a
// single JSON envelope or an event stream containing it.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates an HTTP transport for the given config.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		)
	}

	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: client,
		logger:     logger,
	}
}

// SessionID returns the session token captured from the gateway, if any.
func (t *HTTPTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// Send posts req and returns the response envelope matching its id.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := t.post(ctx, req, "application/json, text/event-stream")
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return nil, fmt.Errorf("gateway returned %d for %s: %s", httpResp.StatusCode, req.Method, errBody)
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readEventStream(httpResp.Body, req)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "gateway response", "method", req.Method, "body", string(body))

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// readEventStream scans data events until one answers req. Events that
// are not JSON are logged and skipped.
func (t *HTTPTransport) readEventStream(body io.Reader, req *Request) (*Response, error) {
	sc := httpkit.NewSSEScanner(body)
	for sc.Next() {
		for _, resp := range t.decodeEvent(sc.Event().Data, req) {
			if resp.HasID(req.ID) && resp.isReply() {
				return resp, nil
			}
			t.logger.Debug("ignoring unrelated gateway event", "method", req.Method, "id", string(resp.ID))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("%w %d (%s)", ErrNoResponse, req.ID, req.Method)
}

// decodeEvent parses the envelopes in one event's data. Some gateways
// write several data lines without blank-line separators; when the
// joined data is not one JSON document, each line is parsed on its own.
func (t *HTTPTransport) decodeEvent(data string, req *Request) []*Response {
	data = strings.TrimSpace(data)
	if data == "" || data == httpkit.DoneSentinel {
		return nil
	}

	var resp Response
	err := json.Unmarshal([]byte(data), &resp)
	if err == nil {
		return []*Response{&resp}
	}
	if !strings.Contains(data, "\n") {
		t.logger.Warn("skipping malformed gateway event",
			"method", req.Method,
			"error", err,
			"data", truncate(data, 200),
		)
		return nil
	}

	var out []*Response
	for _, line := range strings.Split(data, "\n") {
		out = append(out, t.decodeEvent(line, req)...)
	}
	return out
}

// Notify sends a JSON-RPC notification. 200 and 202 both count as
// delivered.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	httpResp, err := t.post(ctx, notif, "application/json, text/event-stream")
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return fmt.Errorf("gateway returned %d for notification %s: %s", httpResp.StatusCode, notif.Method, errBody)
	}
	return nil
}

// post marshals msg, attaches configured and session headers, and
// captures any session token from the response.
func (t *HTTPTransport) post(ctx context.Context, msg any, accept string) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "gateway request", "body", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	if sid := t.SessionID(); sid != "" {
		httpReq.Header.Set(SessionHeader, sid)
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}

	if sid := httpResp.Header.Get(SessionHeader); sid != "" {
		t.mu.Lock()
		if t.sessionID != sid {
			t.logger.Debug("gateway session established", "session_id", sid)
		}
		t.sessionID = sid
		t.mu.Unlock()
	}
	return httpResp, nil
}

// Close is a no-op; the HTTP client manages its own connection pool.
func (t *HTTPTransport) Close() error {
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
