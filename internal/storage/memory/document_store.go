package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/selfsearch/internal/clock/system"
	"github.com/JakeFAU/selfsearch/internal/crawler"
)

const defaultMaxLinks = 50

// DocumentStore is an in-memory crawler.DocumentStore for development and
// tests. All state sits behind one mutex.
type DocumentStore struct {
	mu       sync.RWMutex
	nextID   int64
	docs     map[int64]crawler.Document
	byURL    map[string]int64
	byHash   map[string]int64
	links    map[int64][]string
	lengths  map[int64]int
	postings map[string]map[int64]int
	terms    map[int64]map[string]int
	maxLinks int
	clock    crawler.Clock
}

var _ crawler.DocumentStore = (*DocumentStore)(nil)

// NewDocumentStore constructs an empty store. maxLinks caps the stored link
// edges per document; 0 uses the default of 50.
func NewDocumentStore(maxLinks int, clock crawler.Clock) *DocumentStore {
	if maxLinks <= 0 {
		maxLinks = defaultMaxLinks
	}
	if clock == nil {
		clock = system.New()
	}
	return &DocumentStore{
		docs:     make(map[int64]crawler.Document),
		byURL:    make(map[string]int64),
		byHash:   make(map[string]int64),
		links:    make(map[int64][]string),
		lengths:  make(map[int64]int),
		postings: make(map[string]map[int64]int),
		terms:    make(map[int64]map[string]int),
		maxLinks: maxLinks,
		clock:    clock,
	}
}

// StoreOrReject inserts doc unless its URL or content hash is already stored.
func (s *DocumentStore) StoreOrReject(ctx context.Context, doc crawler.NewDocument) (crawler.StoreResult, error) {
	if err := ctx.Err(); err != nil {
		return crawler.StoreResult{}, fmt.Errorf("store document: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byURL[doc.URL]; ok {
		return crawler.StoreResult{Document: s.docs[id]}, nil
	}
	if id, ok := s.byHash[doc.ContentHash]; ok {
		return crawler.StoreResult{Document: s.docs[id]}, nil
	}

	s.nextID++
	stored := crawler.Document{
		ID:          s.nextID,
		URL:         doc.URL,
		Content:     doc.Content,
		ContentHash: doc.ContentHash,
		CrawlDepth:  doc.CrawlDepth,
		IPAddress:   doc.IPAddress,
		CreatedAt:   s.clock.Now(),
	}
	s.docs[stored.ID] = stored
	s.byURL[stored.URL] = stored.ID
	s.byHash[stored.ContentHash] = stored.ID

	links := doc.Links
	if len(links) > s.maxLinks {
		links = links[:s.maxLinks]
	}
	if len(links) > 0 {
		s.links[stored.ID] = append([]string(nil), links...)
	}
	return crawler.StoreResult{Document: stored, Created: true}, nil
}

// Get returns the document with id or crawler.ErrNotFound.
func (s *DocumentStore) Get(_ context.Context, id int64) (crawler.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return crawler.Document{}, crawler.ErrNotFound
	}
	return doc, nil
}

// IsCrawled reports whether url has been stored.
func (s *DocumentStore) IsCrawled(_ context.Context, url string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byURL[url]
	return ok, nil
}

// FindDocuments returns documents indexed under every token, falling back to a
// case-insensitive substring match on the raw query.
func (s *DocumentStore) FindDocuments(_ context.Context, query string, tokens []string, limit int) ([]crawler.Document, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(tokens) > 0 {
		if docs := s.matchAll(tokens); len(docs) > 0 {
			return truncate(docs, limit), nil
		}
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil, nil
	}
	var docs []crawler.Document
	for _, doc := range s.docs {
		if strings.Contains(strings.ToLower(doc.Content), needle) {
			docs = append(docs, doc)
		}
	}
	sortByDepth(docs)
	return truncate(docs, limit), nil
}

func (s *DocumentStore) matchAll(tokens []string) []crawler.Document {
	var docs []crawler.Document
	first := s.postings[tokens[0]]
	for id := range first {
		matched := true
		for _, token := range tokens[1:] {
			if _, ok := s.postings[token][id]; !ok {
				matched = false
				break
			}
		}
		if matched {
			docs = append(docs, s.docs[id])
		}
	}
	sortByDepth(docs)
	return docs
}

// ReplaceIndex swaps the document's index rows and length for update.
func (s *DocumentStore) ReplaceIndex(_ context.Context, update crawler.IndexUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[update.DocumentID]; !ok {
		return crawler.ErrNotFound
	}
	s.dropPostings(update.DocumentID)

	freqs := update.TermFrequencies()
	for token, tf := range freqs {
		docs, ok := s.postings[token]
		if !ok {
			docs = make(map[int64]int)
			s.postings[token] = docs
		}
		docs[update.DocumentID] = tf
	}
	s.terms[update.DocumentID] = freqs
	s.lengths[update.DocumentID] = len(update.Tokens)
	return nil
}

// ListLinks returns the stored outgoing links of a document.
func (s *DocumentStore) ListLinks(_ context.Context, id int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.links[id]...), nil
}

// DeleteDocument removes a document and everything derived from it.
func (s *DocumentStore) DeleteDocument(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return crawler.ErrNotFound
	}
	s.dropPostings(id)
	delete(s.lengths, id)
	delete(s.links, id)
	delete(s.byURL, doc.URL)
	delete(s.byHash, doc.ContentHash)
	delete(s.docs, id)
	return nil
}

// ListUnprocessed returns up to limit unprocessed documents, oldest first.
func (s *DocumentStore) ListUnprocessed(_ context.Context, limit int) ([]crawler.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var docs []crawler.Document
	for _, doc := range s.docs {
		if !doc.Processed {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.Before(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
	if limit > 0 {
		docs = truncate(docs, limit)
	}
	return docs, nil
}

// MarkProcessed flags a document as handled by the scheduler.
func (s *DocumentStore) MarkProcessed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return crawler.ErrNotFound
	}
	doc.Processed = true
	s.docs[id] = doc
	return nil
}

// TermFrequency returns how often token occurs in docID.
func (s *DocumentStore) TermFrequency(_ context.Context, token string, docID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.postings[token][docID], nil
}

// DocumentFrequency returns how many documents contain token.
func (s *DocumentStore) DocumentFrequency(_ context.Context, token string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.postings[token]), nil
}

// DocumentCount returns the number of indexed documents.
func (s *DocumentStore) DocumentCount(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lengths), nil
}

// DocumentLength returns the token count of docID if it has been indexed.
func (s *DocumentStore) DocumentLength(_ context.Context, docID int64) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	length, ok := s.lengths[docID]
	return length, ok, nil
}

// AverageDocumentLength returns the mean token count over indexed documents.
func (s *DocumentStore) AverageDocumentLength(context.Context) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.lengths) == 0 {
		return 0, nil
	}
	total := 0
	for _, length := range s.lengths {
		total += length
	}
	return float64(total) / float64(len(s.lengths)), nil
}

// Close is a no-op.
func (s *DocumentStore) Close() {}

func (s *DocumentStore) dropPostings(id int64) {
	for token := range s.terms[id] {
		delete(s.postings[token], id)
		if len(s.postings[token]) == 0 {
			delete(s.postings, token)
		}
	}
	delete(s.terms, id)
}

func sortByDepth(docs []crawler.Document) {
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].CrawlDepth != docs[j].CrawlDepth {
			return docs[i].CrawlDepth < docs[j].CrawlDepth
		}
		return docs[i].ID < docs[j].ID
	})
}

func truncate(docs []crawler.Document, limit int) []crawler.Document {
	if len(docs) > limit {
		return docs[:limit]
	}
	return docs
}
