// Package server exposes the client-facing transport endpoint and the
// observability surface: the WebSocket upgrade at /ws, liveness/readiness
// probes, and Prometheus metrics.
package server
