// Package health implements the uniform liveness/readiness contract
// every pipeline service exposes.
//
// State holds the per-process readiness flag with its start time, safe
// for concurrent reads from the HTTP goroutine while the service
// runtime flips it. Server binds a dedicated listener at construction
// and serves GET /health and GET /status (plus /metrics when given a
// handler) without ever touching the broker.
package health
