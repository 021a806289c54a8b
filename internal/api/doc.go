// Package api hosts the operator HTTP surface of the pipeline:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/queues and /v1/queues/{key} for queue health.
//   - POST /v1/contexts to seed a URL into collection.
package api
