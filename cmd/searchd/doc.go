// Package main hosts the searchd entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, document ingestion, search, and deletion under
//     /api/v1/crawl. Search requests go to the query orchestrator, which answers from the result cache, then the
//     inverted index, and otherwise seeds the crawl frontier with depth-0 jobs and acknowledges the query.
//   - Frontier & workers: crawl and index jobs share one priority frontier (memory or Postgres, selected by
//     frontier.backend). The dispatcher runs crawler.concurrency workers; each fetches with Colly after a robots.txt
//     check, extracts text and links with goquery, stores the document, enqueues an index job, and pushes child links
//     one level deeper until crawler.max_depth.
//   - Index & ranking: the indexer tokenizes (stopwords plus Snowball stemming) and replaces a document's postings in
//     one transaction; queries are ranked with BM25 over the stored statistics.
//   - Scheduler: a gocron job periodically re-enqueues the links of unprocessed documents and purges expired cache
//     rows.
//   - Persistence & fanout: documents live in Postgres when database.dsn is set and in memory otherwise. Raw pages can
//     be archived to GCS, and document events are published to Pub/Sub when a topic is configured.
//
// Quick checklist:
//   - Configure env vars with the SEARCH_ prefix, e.g. SEARCH_DATABASE_DSN, SEARCH_FRONTIER_BACKEND=postgres,
//     SEARCH_CRAWLER_CONCURRENCY. PORT overrides server.port.
//   - Run locally: go run ./cmd/searchd -config config.yaml (or rely solely on env overrides).
//   - The process drains the HTTP server and workers on SIGINT/SIGTERM.
package main
