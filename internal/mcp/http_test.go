package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// gateway is a minimal streamable-HTTP MCP server for transport tests.
type gateway struct {
	mu       sync.Mutex
	sessions []string // Mcp-Session-Id seen per request, in order
	accepts  []string
	methods  []string
	handle   func(w http.ResponseWriter, req map[string]any)
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req map[string]any
	json.Unmarshal(body, &req)

	g.mu.Lock()
	g.sessions = append(g.sessions, r.Header.Get(SessionHeader))
	g.accepts = append(g.accepts, r.Header.Get("Accept"))
	method, _ := req["method"].(string)
	g.methods = append(g.methods, method)
	g.mu.Unlock()

	if _, ok := req["id"]; !ok {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	g.handle(w, req)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeSSE(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, e := range events {
		fmt.Fprintf(w, "data: %s\n\n", e)
	}
}

func newTestClient(t *testing.T, g *gateway, opts ...ClientOption) (*Client, *HTTPTransport) {
	t.Helper()
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL + "/mcp", Headers: map[string]string{"X-Test": "1"}})
	return NewClient("gateway", tr, nil, opts...), tr
}

func TestHTTPTransport_JSONFraming(t *testing.T) {
	g := &gateway{handle: func(w http.ResponseWriter, req map[string]any) {
		writeJSON(w, map[string]any{
			"jsonrpc": "2.0",
			"id":      req["id"],
			"result":  map[string]any{"tools": []any{map[string]any{"name": "lookup_weather"}}},
		})
	}}
	client, _ := newTestClient(t, g)

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "lookup_weather" {
		t.Errorf("tools = %+v", tools)
	}
	if g.accepts[0] != "application/json, text/event-stream" {
		t.Errorf("Accept = %q", g.accepts[0])
	}
}

func TestHTTPTransport_JSONRemoteError(t *testing.T) {
	g := &gateway{handle: func(w http.ResponseWriter, req map[string]any) {
		writeJSON(w, map[string]any{
			"jsonrpc": "2.0",
			"id":      req["id"],
			"error":   map[string]any{"code": -32601, "message": "Method not found"},
		})
	}}
	client, _ := newTestClient(t, g)

	_, err := client.Call(context.Background(), "bogus", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Fatalf("err = %v, want RPCError -32601", err)
	}
}

func TestHTTPTransport_EventStreamMatchesID(t *testing.T) {
	g := &gateway{handle: func(w http.ResponseWriter, req map[string]any) {
		id := req["id"]
		writeSSE(w,
			`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}`,
			`not json at all`,
			`{"jsonrpc":"2.0","id":999,"result":{"content":[{"type":"text","text":"wrong"}]}}`,
			fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"content":[{"type":"text","text":"right"}]}}`, id),
			fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"content":[{"type":"text","text":"late duplicate"}]}}`, id),
			"[DONE]",
		)
	}}
	client, _ := newTestClient(t, g)

	out, err := client.CallTool(context.Background(), "lookup_weather", map[string]any{"city": "Berlin"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if out != "right" {
		t.Errorf("output = %q, want first matching envelope", out)
	}
}

func TestHTTPTransport_EventStreamError(t *testing.T) {
	g := &gateway{handle: func(w http.ResponseWriter, req map[string]any) {
		writeSSE(w, fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"error":{"code":-32000,"message":"tool crashed"}}`, req["id"]))
	}}
	client, _ := newTestClient(t, g)

	_, err := client.Call(context.Background(), "tools/call", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Message != "tool crashed" {
		t.Fatalf("err = %v, want RPCError", err)
	}
}

func TestHTTPTransport_EventStreamUnseparatedLines(t *testing.T) {
	g := &gateway{handle: func(w http.ResponseWriter, req map[string]any) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}`+"\n")
		fmt.Fprint(w, "data: garbage\n")
		fmt.Fprintf(w, `data: {"jsonrpc":"2.0","id":%v,"result":{"content":[{"type":"text","text":"packed"}]}}`+"\n\n", req["id"])
	}}
	client, _ := newTestClient(t, g)

	out, err := client.CallTool(context.Background(), "lookup_weather", map[string]any{"city": "Berlin"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if out != "packed" {
		t.Errorf("output = %q, want reply from packed event", out)
	}
}

func TestHTTPTransport_EventStreamNoResponse(t *testing.T) {
	g := &gateway{handle: func(w http.ResponseWriter, req map[string]any) {
		writeSSE(w,
			`{"jsonrpc":"2.0","id":12345,"result":{}}`,
			"[DONE]",
		)
	}}
	client, _ := newTestClient(t, g)

	_, err := client.Call(context.Background(), "tools/list", nil)
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("err = %v, want ErrNoResponse", err)
	}
}

func TestHTTPTransport_SessionHeader(t *testing.T) {
	g := &gateway{}
	g.handle = func(w http.ResponseWriter, req map[string]any) {
		if req["method"] == "initialize" {
			w.Header().Set(SessionHeader, "sess-abc")
			writeJSON(w, map[string]any{
				"jsonrpc": "2.0",
				"id":      req["id"],
				"result":  map[string]any{"protocolVersion": protocolVersion, "serverInfo": map[string]any{"name": "gw"}},
			})
			return
		}
		writeJSON(w, map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": map[string]any{"tools": []any{}}})
	}
	client, tr := newTestClient(t, g)

	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := client.ListTools(context.Background()); err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	if tr.SessionID() != "sess-abc" {
		t.Errorf("SessionID = %q", tr.SessionID())
	}
	want := []string{"", "sess-abc", "sess-abc"}
	wantMethods := []string{"initialize", "notifications/initialized", "tools/list"}
	for i := range want {
		if g.sessions[i] != want[i] || g.methods[i] != wantMethods[i] {
			t.Errorf("request %d: method %q session %q, want %q %q", i, g.methods[i], g.sessions[i], wantMethods[i], want[i])
		}
	}
}

func TestHTTPTransport_HTTPError(t *testing.T) {
	g := &gateway{handle: func(w http.ResponseWriter, req map[string]any) {
		http.Error(w, "gateway exploded", http.StatusBadGateway)
	}}
	client, _ := newTestClient(t, g)

	_, err := client.Call(context.Background(), "tools/list", nil)
	if err == nil || !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "gateway exploded") {
		t.Fatalf("err = %v, want status and body", err)
	}
}

func TestHTTPTransport_NotifyRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient("gateway", NewHTTPTransport(HTTPConfig{URL: srv.URL}), nil)
	if err := client.Notify(context.Background(), "notifications/initialized", nil); err == nil {
		t.Fatal("expected error for 400 notification response")
	}
}

func TestHTTPTransport_Timeout(t *testing.T) {
	release := make(chan struct{})
	g := &gateway{handle: func(w http.ResponseWriter, req map[string]any) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release
	}}
	client, _ := newTestClient(t, g, WithCallTimeout(50*time.Millisecond))
	defer close(release)

	start := time.Now()
	_, err := client.CallTool(context.Background(), "slow_tool", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout not enforced promptly")
	}
}
