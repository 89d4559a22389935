// Package api hosts the admin HTTP server that runs alongside a harvest run.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for the live run outcome, /v1/run/items/{item_id} for one
//     item, and /v1/stages for the configured stage list.
package api
