// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// Document is a crawled page persisted in the document store.
type Document struct {
	ID          int64     `json:"id"`
	URL         string    `json:"url"`
	Content     string    `json:"content"`
	ContentHash string    `json:"contentHash"`
	CrawlDepth  int       `json:"crawlDepth"`
	IPAddress   string    `json:"ipAddress"`
	Processed   bool      `json:"processed"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewDocument is the input to DocumentStore.StoreOrReject.
type NewDocument struct {
	URL         string
	Content     string
	ContentHash string
	CrawlDepth  int
	IPAddress   string
	Links       []string
}

// StoreResult reports whether StoreOrReject inserted a new row.
// Created is false when a document with the same URL or content hash
// already existed; Document is then the existing row.
type StoreResult struct {
	Document Document
	Created  bool
}

// LinkEdge is an outgoing link recorded for a document.
type LinkEdge struct {
	DocumentID int64
	TargetURL  string
}

// DocumentMetadata carries per-document statistics used for ranking.
type DocumentMetadata struct {
	DocID  int64
	Length int
}

// IndexEntry is one row of the inverted index.
type IndexEntry struct {
	Token    string
	DocID    int64
	TermFreq int
}

// IndexUpdate replaces the index rows of a single document.
type IndexUpdate struct {
	DocumentID int64
	Tokens     []string
}

// TermFrequencies counts occurrences of every token in the update.
func (u IndexUpdate) TermFrequencies() map[string]int {
	freqs := make(map[string]int, len(u.Tokens))
	for _, token := range u.Tokens {
		freqs[token]++
	}
	return freqs
}

// SearchResult is one ranked hit returned to search clients.
type SearchResult struct {
	ID         int64   `json:"id"`
	URL        string  `json:"url"`
	Snippet    string  `json:"snippet"`
	CrawlDepth int     `json:"crawlDepth"`
	Score      float64 `json:"score"`
}

// DocumentEvent is published after a document has been indexed.
type DocumentEvent struct {
	EventID     string    `json:"event_id"`
	Type        string    `json:"type"`
	DocumentID  int64     `json:"document_id"`
	URL         string    `json:"url"`
	ContentHash string    `json:"content_hash"`
	Tokens      int       `json:"tokens"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// EventDocumentIndexed is the DocumentEvent type emitted by the indexer.
const EventDocumentIndexed = "document.indexed"

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Depth   int
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
