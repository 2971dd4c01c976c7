// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/downloads runs a download job synchronously and returns its report.
//   - GET /v1/stations/{station_id}/summary describes what a download would cover.
package api
