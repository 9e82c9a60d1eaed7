package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockTransport is a test double for the Transport interface.
type mockTransport struct {
	mu        sync.Mutex
	responses map[string]*Response // method -> canned response
	sent      []Request
	notifs    []Notification
	block     bool
	closed    bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		responses: make(map[string]*Response),
	}
}

func (m *mockTransport) addResponse(method string, result any) {
	data, _ := json.Marshal(result)
	m.responses[method] = &Response{
		JSONRPC: jsonrpcVersion,
		Result:  json.RawMessage(data),
	}
}

func (m *mockTransport) addError(method string, code int, msg string) {
	m.responses[method] = &Response{
		JSONRPC: jsonrpcVersion,
		Error:   &RPCError{Code: code, Message: msg},
	}
}

func (m *mockTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	m.sent = append(m.sent, *req)
	resp, ok := m.responses[req.Method]
	block := m.block
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !ok {
		return nil, fmt.Errorf("unexpected method: %s", req.Method)
	}
	out := *resp
	out.ID = json.RawMessage(fmt.Sprint(req.ID))
	return &out, nil
}

func (m *mockTransport) Notify(_ context.Context, notif *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, *notif)
	return nil
}

func (m *mockTransport) Close() error {
	m.closed = true
	return nil
}

func TestClient_Initialize(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("initialize", initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      serverInfo{Name: "docker-mcp-gateway", Version: "1.2.0"},
	})

	client := NewClient("gateway", mt, nil)
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if len(mt.sent) != 1 || mt.sent[0].Method != "initialize" {
		t.Fatalf("sent = %+v", mt.sent)
	}
	params := mt.sent[0].Params.(map[string]any)
	if params["protocolVersion"] != "2024-11-05" {
		t.Errorf("protocolVersion = %v", params["protocolVersion"])
	}
	if info := params["clientInfo"].(map[string]any); info["name"] != "gizmo" {
		t.Errorf("clientInfo = %v", info)
	}

	if len(mt.notifs) != 1 || mt.notifs[0].Method != "notifications/initialized" {
		t.Errorf("notifs = %+v", mt.notifs)
	}
	if !client.Initialized() {
		t.Error("Initialized() = false")
	}
	if name, ver := client.ServerInfo(); name != "docker-mcp-gateway" || ver != "1.2.0" {
		t.Errorf("ServerInfo = %q %q", name, ver)
	}
}

func TestClient_InitializeRemoteError(t *testing.T) {
	mt := newMockTransport()
	mt.addError("initialize", -32603, "boom")

	client := NewClient("gateway", mt, nil)
	err := client.Initialize(context.Background())

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if len(mt.notifs) != 0 {
		t.Error("initialized notification sent after failed handshake")
	}
	if client.Initialized() {
		t.Error("Initialized() = true after failure")
	}
}

func TestClient_IDsIncrease(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("ping", map[string]any{})

	client := NewClient("gateway", mt, nil)
	for range 3 {
		if err := client.Ping(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	for i, req := range mt.sent {
		if req.ID != int64(i+1) {
			t.Errorf("request %d id = %d, want %d", i, req.ID, i+1)
		}
	}
}

func TestClient_ListTools(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", toolsListResult{Tools: []ToolDefinition{
		{Name: "lookup_weather", Description: "Current weather"},
		{Name: "search", Description: "Web search"},
	}})

	tools, err := NewClient("gateway", mt, nil).ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "lookup_weather" {
		t.Errorf("tools = %+v", tools)
	}
}

func TestClient_CallTool(t *testing.T) {
	tests := []struct {
		name    string
		result  any
		want    string
		wantErr string
	}{
		{
			name: "text blocks concatenated",
			result: callToolResult{Content: []ContentBlock{
				{Type: "text", Text: `{"tempC":`},
				{Type: "text", Text: `5}`},
			}},
			want: `{"tempC":5}`,
		},
		{
			name:    "isError",
			result:  callToolResult{Content: []ContentBlock{{Type: "text", Text: "city unknown"}}, IsError: true},
			wantErr: "city unknown",
		},
		{
			name:   "no text falls back to raw result",
			result: map[string]any{"content": []any{map[string]any{"type": "image", "data": "xx"}}},
			want:   `{"content":[{"data":"xx","type":"image"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := newMockTransport()
			mt.addResponse("tools/call", tt.result)

			got, err := NewClient("gateway", mt, nil).CallTool(context.Background(), "lookup_weather", map[string]any{"city": "Berlin"})
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("CallTool: %v", err)
			}
			if got != tt.want {
				t.Errorf("output = %q, want %q", got, tt.want)
			}

			params := mt.sent[0].Params.(map[string]any)
			if params["name"] != "lookup_weather" {
				t.Errorf("name param = %v", params["name"])
			}
		})
	}
}

func TestClient_CallTimeout(t *testing.T) {
	mt := newMockTransport()
	mt.block = true

	client := NewClient("gateway", mt, nil, WithCallTimeout(20*time.Millisecond))
	_, err := client.CallTool(context.Background(), "slow", nil)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want wrapping context.DeadlineExceeded", err)
	}
}

func TestClient_CallerCancelIsNotTimeout(t *testing.T) {
	mt := newMockTransport()
	mt.block = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient("gateway", mt, nil).Call(ctx, "tools/call", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("caller cancellation reported as timeout")
	}
}

func TestClient_Close(t *testing.T) {
	mt := newMockTransport()
	if err := NewClient("gateway", mt, nil).Close(); err != nil {
		t.Fatal(err)
	}
	if !mt.closed {
		t.Error("transport not closed")
	}
}

func TestClient_Ping(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("ping", map[string]any{})
	client := NewClient("gateway", mt, nil)

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	mt.addError("ping", -32601, "method not found")
	var rpcErr *RPCError
	if err := client.Ping(context.Background()); !errors.As(err, &rpcErr) {
		t.Errorf("err = %v, want *RPCError", err)
	}
}
