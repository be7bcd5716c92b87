// Package api hosts the HTTP server, middleware, and REST handlers for the
// orchestrator. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the configured stores.
//   - GET /metrics for Prometheus scraping.
//   - /v1/tasks for one-off crawl tasks (create, start, stop, status, list).
//   - /v1/monitors for recurring monitors (create, update, run, results,
//     bulk actions, scheduler health).
package api
