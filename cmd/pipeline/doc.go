// Package main hosts the pipeline service entrypoint.
//
// Architecture overview:
//   - Queues: every stage boundary is a named FIFO queue over one shared store (memory, Postgres or SQLite).
//     Stages never call each other, so any process pointed at the same store can seed or drain work.
//   - Collection: pops one context at a time (dynamic queue first), waits on the per-domain rate limiter, leases
//     a browser context from the pool and runs the sku's collector (rendered DOM via chromedp or plain HTTP via
//     colly). Raw payloads can be archived to memory, local disk or GCS.
//   - Transformation: drains adaptive batches and turns raw markup into typed entities (JSON-LD first, then a
//     readability fallback for plain article pages).
//   - Processing: drains adaptive batches, upserts entities (memory or Postgres) and publishes one completion event
//     per context to Pub/Sub.
//   - Backpressure: before each tick a stage classifies its downstream queue against configured thresholds and
//     scales its batch size and delay down, or skips the tick entirely when the queue is overloaded.
//
// Operational notes:
//   - Commands: "run" starts everything, "enqueue" seeds a URL, "queues" prints depths and health.
//   - HTTP: /healthz, /readyz and /metrics stay open; /v1 routes report queue health and accept seed requests and
//     honour an optional X-API-Key.
//   - Configuration comes from an optional --config file plus PIPELINE_* environment overrides.
//   - SIGINT/SIGTERM stop the stages; in-flight items are requeued rather than dropped.
package main
