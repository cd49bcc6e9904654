// Package server hosts the vodforge HTTP API behind a single multiplexer.
//
// Every request passes through the same middleware chain: request ID,
// request logging, metrics, security headers, CORS and rate limiting. The
// api handlers register their routes on the mux and /metrics exposes the
// Prometheus registry.
package server
