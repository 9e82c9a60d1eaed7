package mcp

import "context"

// Transport delivers JSON-RPC messages to the gateway. Implementations
// handle framing and correlate the response to the request id.
type Transport interface {
	// Send sends a JSON-RPC request and returns the matching response.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close releases transport resources.
	Close() error
}
