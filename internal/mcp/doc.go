// Package mcp is Gizmo's client for the tool gateway. The gateway speaks
// MCP (Model Context Protocol): JSON-RPC 2.0 over streamable HTTP, where
// each POST is answered either by a single JSON envelope or by a
// server-sent-event stream that carries the envelope among other events.
//
// The client performs the initialize handshake, lists tools and calls
// them. FetchCatalog turns the gateway's tool descriptors into Gemini
// function declarations once at startup; the resulting Catalog is
// shared read-only for the life of the process.
package mcp
