// Package api hosts the admin HTTP server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/spiders/running lists registry handles and in-flight transitions.
//   - GET /v1/store/errors returns the caught store failures.
package api
