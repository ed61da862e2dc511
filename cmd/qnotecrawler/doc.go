// Package main hosts the qnote crawler service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes POST /api/crawl, the SSE stream at
//     GET /api/crawl_stream, the run ledger under /api/crawls, health checks and
//     Prometheus metrics.
//   - Crawl service: internal/app.Service issues a run ID, records the run in the
//     ledger (memory or Postgres) and hands the request to the engine.
//   - Engine: internal/crawler.Engine walks the book listing sequentially, then
//     crawls each selected book's chapter listing on a bounded errgroup pool and
//     reassembles results in discovery order.
//   - Fetch pipeline: crawler.RetryingFetcher wraps the Colly fetcher with a
//     per-host token bucket and capped exponential backoff. Every failure is
//     classified as retryable or terminal before any retry decision.
//   - Site knowledge: internal/qnote builds listing URLs and parses HTML (goquery)
//     or JSON listing pages.
//
// Quick checklist:
//   - Configure with a YAML file (-config) or QNOTE_* env vars, e.g. QNOTE_SERVER_PORT,
//     QNOTE_CRAWLER_CONCURRENCY, QNOTE_CRAWLER_USER_AGENT, QNOTE_STORAGE_BACKEND and
//     QNOTE_DATABASE_DSN.
//   - Run locally: go run ./cmd/qnotecrawler -config config.yaml
//   - The process drains in-flight requests on SIGINT/SIGTERM within
//     server.shutdown_timeout_seconds.
package main
