// Package api hosts the admin HTTP server, middleware, and REST handlers for
// operators of the tracker. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/refresh to run a refresh cycle now.
//   - GET/PUT /v1/players/{id} to inspect or register one player.
//   - GET /v1/players/{id}/history for stored cycles, when Postgres history
//     is configured.
package api
