// Package api hosts the HTTP admin surface. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/targets for registry management and per-target status.
//   - POST /v1/captures for manual captures, polled via GET /v1/captures/{job_id}.
//   - GET /clips/* for artifacts hosted by the local upload backend.
package api
