// Package api hosts the HTTP server, middleware, and handlers. Routes:
//   - POST /api/crawl runs a crawl and answers with the books as a JSON array.
//   - GET /api/crawl_stream runs a crawl and streams books as server-sent events.
//   - GET /api/crawls and /api/crawls/{crawl_id} read the run ledger.
//   - GET /, /healthz, /readyz for health checks and GET /metrics for Prometheus.
package api
