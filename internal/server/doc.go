// Package server exposes the HTTP status API: health, Prometheus metrics,
// broadcast status and control, and the MCP websocket endpoint.
package server
