// Package crawler holds the domain model of the search engine: documents,
// jobs, and the interfaces that connect the frontier, the workers, the
// document store, and the query side. It also carries the small policies
// shared by several components: URL priority scoring, robots.txt checks,
// link extraction, and fetch retry backoff.
package crawler
