// Package api hosts the HTTP server, middleware, and REST handlers. Routes:
//   - POST /api/v1/crawl/store-document stores a document submitted by a client.
//   - GET /api/v1/crawl/search?q= answers a query or starts a crawl for it.
//   - DELETE /api/v1/crawl/documents/{id} removes a document and its index rows.
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
