// Package server hosts the webset dedup API from a single HTTP server.
//
// The server builds a consistent middleware chain of request-id, rate
// limiting, CORS, security headers, metrics, and logging so handlers all
// share common protections and instrumentation.
//
// It serves job creation, the per-job SSE event stream, history, and stats
// routes behind one multiplexer.
package server
