// Package indexer turns stored documents into inverted index rows.
package indexer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/selfsearch/internal/clock/system"
	"github.com/JakeFAU/selfsearch/internal/crawler"
)

// Store is the part of crawler.DocumentStore the indexer needs.
type Store interface {
	Get(ctx context.Context, id int64) (crawler.Document, error)
	ReplaceIndex(ctx context.Context, update crawler.IndexUpdate) error
	DeleteDocument(ctx context.Context, id int64) error
}

// Options wires the optional event publisher and the search cache that is
// invalidated after every index write.
type Options struct {
	Cache     crawler.SearchCache
	Publisher crawler.Publisher
	Topic     string
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// Indexer tokenizes a document and atomically replaces its index rows.
type Indexer struct {
	store     Store
	tokenizer crawler.Tokenizer
	cache     crawler.SearchCache
	publisher crawler.Publisher
	topic     string
	ids       crawler.IDGenerator
	clock     crawler.Clock
	logger    *zap.Logger
}

// New constructs an Indexer.
func New(store Store, tokenizer crawler.Tokenizer, opts Options) *Indexer {
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Indexer{
		store:     store,
		tokenizer: tokenizer,
		cache:     opts.Cache,
		publisher: opts.Publisher,
		topic:     opts.Topic,
		ids:       opts.IDs,
		clock:     opts.Clock,
		logger:    opts.Logger.Named("indexer"),
	}
}

// Index rebuilds the index of docID. Running it twice leaves the same rows.
// A failed event publish is logged and does not fail the call.
func (ix *Indexer) Index(ctx context.Context, docID int64) error {
	doc, err := ix.store.Get(ctx, docID)
	if err != nil {
		return fmt.Errorf("load document %d: %w", docID, err)
	}
	tokens := ix.tokenizer.Tokenize(doc.Content)
	if err := ix.store.ReplaceIndex(ctx, crawler.IndexUpdate{DocumentID: doc.ID, Tokens: tokens}); err != nil {
		return fmt.Errorf("index document %d: %w", docID, err)
	}
	ix.logger.Debug("document indexed",
		zap.Int64("document_id", doc.ID),
		zap.String("url", doc.URL),
		zap.Int("tokens", len(tokens)))
	ix.invalidate(ctx, docID)
	ix.publish(ctx, doc, len(tokens))
	return nil
}

// Remove deletes docID with its link edges, metadata, and index rows, then
// drops cached results that may still name it.
func (ix *Indexer) Remove(ctx context.Context, docID int64) error {
	if err := ix.store.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("delete document %d: %w", docID, err)
	}
	ix.logger.Debug("document removed", zap.Int64("document_id", docID))
	ix.invalidate(ctx, docID)
	return nil
}

// invalidate clears the search cache. A failure leaves stale entries to age
// out by TTL, so it is logged rather than returned.
func (ix *Indexer) invalidate(ctx context.Context, docID int64) {
	if ix.cache == nil {
		return
	}
	if err := ix.cache.Invalidate(ctx); err != nil {
		ix.logger.Warn("search cache invalidation failed",
			zap.Int64("document_id", docID),
			zap.Error(err))
	}
}

func (ix *Indexer) publish(ctx context.Context, doc crawler.Document, tokens int) {
	if ix.publisher == nil || ix.topic == "" {
		return
	}
	event := crawler.DocumentEvent{
		Type:        crawler.EventDocumentIndexed,
		DocumentID:  doc.ID,
		URL:         doc.URL,
		ContentHash: doc.ContentHash,
		Tokens:      tokens,
		OccurredAt:  ix.clock.Now(),
	}
	if ix.ids != nil {
		if id, err := ix.ids.NewID(); err == nil {
			event.EventID = id
		}
	}
	if _, err := ix.publisher.Publish(ctx, ix.topic, event); err != nil {
		ix.logger.Warn("publish document event failed",
			zap.Int64("document_id", doc.ID),
			zap.Error(err))
	}
}
