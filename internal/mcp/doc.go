// Package mcp implements a client for MCP (Model Context Protocol)
// servers reached over HTTP.
//
// Requests are JSON-RPC 2.0 messages sent by POST. A server is spoken
// to in one of two modes, chosen from its URL:
//
//   - Direct: each POST carries its response in the body, and the
//     session travels in the Mcp-Session-Id header.
//   - Stream: the client holds one SSE GET per server. The first event
//     names the endpoint (and session) that POSTs go to, and every
//     response arrives later on the stream, matched to its caller by
//     request id.
//
// Client ties these together: Initialize opens or reuses the stream and
// performs the handshake, and ListTools, CallTool, ReadResource and
// Ping issue calls that either return a decoded result or fail with one
// of the package's sentinel errors. BuildCatalog merges the tools of
// several servers under namespaced names.
package mcp
