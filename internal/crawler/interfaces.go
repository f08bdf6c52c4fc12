package crawler

import (
	"context"
	"time"
)

// DocumentStore persists crawled documents, their links, and the inverted index.
type DocumentStore interface {
	StoreOrReject(ctx context.Context, doc NewDocument) (StoreResult, error)
	Get(ctx context.Context, id int64) (Document, error)
	IsCrawled(ctx context.Context, url string) (bool, error)
	FindDocuments(ctx context.Context, query string, tokens []string, limit int) ([]Document, error)
	ReplaceIndex(ctx context.Context, update IndexUpdate) error
	ListLinks(ctx context.Context, id int64) ([]string, error)
	DeleteDocument(ctx context.Context, id int64) error
	ListUnprocessed(ctx context.Context, limit int) ([]Document, error)
	MarkProcessed(ctx context.Context, id int64) error
	IndexStats
}

// IndexStats exposes the corpus statistics needed for BM25.
type IndexStats interface {
	TermFrequency(ctx context.Context, token string, docID int64) (int, error)
	DocumentFrequency(ctx context.Context, token string) (int, error)
	DocumentCount(ctx context.Context) (int, error)
	DocumentLength(ctx context.Context, docID int64) (int, bool, error)
	AverageDocumentLength(ctx context.Context) (float64, error)
}

// Enqueuer is the producing side of the frontier, used by components that
// schedule work without consuming it.
type Enqueuer interface {
	// Enqueue adds job unless one with the same ID is pending; it reports
	// whether the job was added.
	Enqueue(ctx context.Context, job Job, opts EnqueueOptions) (bool, error)
}

// Frontier schedules crawl and index jobs.
type Frontier interface {
	Enqueuer
	// Dequeue blocks until a visible job is available or ctx ends.
	Dequeue(ctx context.Context) (Job, error)
	// Ack marks job as finished.
	Ack(ctx context.Context, job Job) error
	// Nack schedules a retry with backoff, or drops job after the final
	// attempt. It reports whether the job will run again.
	Nack(ctx context.Context, job Job, cause error) (bool, error)
}

// SearchCache stores ranked results for repeated queries.
type SearchCache interface {
	Get(ctx context.Context, key string) ([]SearchResult, bool, error)
	Set(ctx context.Context, key string, results []SearchResult, ttl time.Duration) error
	// Invalidate drops every cached result. It is called after any write
	// to the index.
	Invalidate(ctx context.Context) error
}

// DedupFilter is an advisory set of URLs already crawled. A negative answer
// is definitive; a positive one must be confirmed with the store.
type DedupFilter interface {
	MightContain(url string) bool
	Record(url string)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes document events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RobotsPolicy reports whether robots.txt permits fetching a URL.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Resolver maps a URL's host to an IP address, or "unknown".
type Resolver interface {
	Resolve(ctx context.Context, rawURL string) string
}

// PriorityScorer rates how urgently a URL should be crawled.
type PriorityScorer interface {
	Score(rawURL string) int
}

// Tokenizer converts text into index terms.
type Tokenizer interface {
	Tokenize(text string) []string
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator creates unique identifiers for events and requests.
type IDGenerator interface {
	NewID() (string, error)
}
