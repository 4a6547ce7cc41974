// Package api hosts the HTTP server for operators and external triggers.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/sources lists the catalog.
//   - GET /v1/sources/{source}/progress returns the stored Progress.
//   - POST /v1/sources/{source}/runs triggers a run; 409 while one is in flight.
package api
