// Package search answers queries from the cache and the index, and seeds the
// frontier with crawl jobs when neither has an answer.
package search

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/selfsearch/internal/bm25"
	"github.com/JakeFAU/selfsearch/internal/crawler"
	"github.com/JakeFAU/selfsearch/internal/metrics"
	"github.com/JakeFAU/selfsearch/internal/telemetry"
)

// State names the terminal state an Outcome was produced in.
type State string

// Outcome states.
const (
	StateCached    State = "cached"
	StateFound     State = "found"
	StateInitiated State = "initiated"
)

// InitiatedMessage acknowledges a query that triggered a crawl.
const InitiatedMessage = "Crawling initiated. Check back soon for results."

// QueryPlaceholder is replaced by the escaped query in seed templates.
const QueryPlaceholder = "{query}"

// Defaults for zero-valued Config fields.
const (
	DefaultLimit         = 20
	DefaultCacheTTL      = time.Hour
	DefaultSnippetLength = 200
)

// Outcome is the single response produced for a query.
type Outcome struct {
	State   State
	Results []crawler.SearchResult
	Message string
}

// Config tunes the orchestrator.
type Config struct {
	Limit int
	// RecheckWait enables one delayed index lookup after a crawl is
	// triggered; 0 acknowledges immediately.
	RecheckWait   time.Duration
	SeedTemplates []string
	CacheTTL      time.Duration
	SnippetLength int
}

// Ranker scores candidate documents for query tokens.
type Ranker interface {
	RankTokens(ctx context.Context, tokens []string, docIDs []int64) ([]bm25.Scored, error)
}

// Deps are the orchestrator's collaborators. Cache and Scorer are optional.
type Deps struct {
	Store     crawler.DocumentStore
	Cache     crawler.SearchCache
	Frontier  crawler.Enqueuer
	Tokenizer crawler.Tokenizer
	Ranker    Ranker
	Scorer    crawler.PriorityScorer
}

// Orchestrator runs the cache, index, crawl flow for each query.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.SnippetLength <= 0 {
		cfg.SnippetLength = DefaultSnippetLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger.Named("search")}
}

// CacheKey returns the cache key for a query exactly as the client sent it.
func CacheKey(rawQuery string) string {
	return "search:" + rawQuery
}

// Search answers rawQuery. An empty query is a crawler.ErrValidation error;
// store failures are returned as errors. Every other path yields exactly one
// Outcome.
func (o *Orchestrator) Search(ctx context.Context, rawQuery string) (Outcome, error) {
	query := strings.TrimSpace(rawQuery)
	if query == "" {
		return Outcome{}, fmt.Errorf("%w: query must not be empty", crawler.ErrValidation)
	}
	ctx, span := telemetry.StartSpan(ctx, "search.query", "search.query", query)
	out, err := o.search(ctx, query, CacheKey(rawQuery))
	if err == nil {
		span.SetAttributes(attribute.String("search.state", string(out.State)))
	}
	telemetry.EndSpan(span, err)
	return out, err
}

func (o *Orchestrator) search(ctx context.Context, query, key string) (Outcome, error) {
	logger := o.logger.With(zap.String("query", query))

	if results, ok := o.cached(ctx, key); ok {
		metrics.ObserveQuery(string(StateCached))
		return Outcome{State: StateCached, Results: results}, nil
	}

	results, err := o.lookup(ctx, query)
	if err != nil {
		metrics.ObserveQuery("error")
		return Outcome{}, err
	}
	if len(results) > 0 {
		o.store(ctx, key, results)
		metrics.ObserveQuery(string(StateFound))
		return Outcome{State: StateFound, Results: results}, nil
	}

	seeded := o.triggerCrawl(ctx, query)
	logger.Info("no results, crawl triggered", zap.Int("seeds", seeded))

	out := o.initiated()
	if o.cfg.RecheckWait > 0 {
		out = o.recheck(ctx, query, key)
	}
	metrics.ObserveQuery(string(out.State))
	return out, nil
}

func (o *Orchestrator) initiated() Outcome {
	return Outcome{State: StateInitiated, Message: InitiatedMessage}
}

// recheck waits RecheckWait and looks the query up once more. The latch
// guarantees one outcome whether the timer or ctx finishes first.
func (o *Orchestrator) recheck(ctx context.Context, query, key string) Outcome {
	respond := make(chan Outcome, 1)
	var once sync.Once
	fire := func(out Outcome) {
		once.Do(func() { respond <- out })
	}

	timer := time.AfterFunc(o.cfg.RecheckWait, func() {
		results, err := o.lookup(ctx, query)
		if err != nil {
			o.logger.Warn("recheck lookup failed", zap.String("query", query), zap.Error(err))
			fire(o.initiated())
			return
		}
		if len(results) == 0 {
			fire(o.initiated())
			return
		}
		o.store(ctx, key, results)
		fire(Outcome{State: StateFound, Results: results})
	})

	select {
	case out := <-respond:
		return out
	case <-ctx.Done():
		timer.Stop()
		fire(o.initiated())
		return <-respond
	}
}

func (o *Orchestrator) cached(ctx context.Context, key string) ([]crawler.SearchResult, bool) {
	if o.deps.Cache == nil {
		return nil, false
	}
	results, ok, err := o.deps.Cache.Get(ctx, key)
	if err != nil {
		o.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return results, ok
}

func (o *Orchestrator) store(ctx context.Context, key string, results []crawler.SearchResult) {
	if o.deps.Cache == nil {
		return
	}
	if err := o.deps.Cache.Set(ctx, key, results, o.cfg.CacheTTL); err != nil {
		o.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// lookup finds candidate documents and orders them by BM25 score, breaking
// ties by crawl depth.
func (o *Orchestrator) lookup(ctx context.Context, query string) ([]crawler.SearchResult, error) {
	tokens := o.deps.Tokenizer.Tokenize(query)
	docs, err := o.deps.Store.FindDocuments(ctx, query, tokens, o.cfg.Limit)
	if err != nil {
		return nil, fmt.Errorf("find documents: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}
	scores := make(map[int64]float64, len(docs))
	if o.deps.Ranker != nil {
		scored, err := o.deps.Ranker.RankTokens(ctx, tokens, ids)
		if err != nil {
			return nil, fmt.Errorf("rank documents: %w", err)
		}
		for _, s := range scored {
			scores[s.DocID] = s.Score
		}
	}

	results := make([]crawler.SearchResult, len(docs))
	for i, doc := range docs {
		results[i] = crawler.SearchResult{
			ID:         doc.ID,
			URL:        doc.URL,
			Snippet:    snippet(doc.Content, o.cfg.SnippetLength),
			CrawlDepth: doc.CrawlDepth,
			Score:      scores[doc.ID],
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CrawlDepth < results[j].CrawlDepth
	})
	return results, nil
}

// triggerCrawl enqueues one depth-0 crawl job per seed template and returns
// how many were added.
func (o *Orchestrator) triggerCrawl(ctx context.Context, query string) int {
	added := 0
	for _, seed := range SeedURLs(o.cfg.SeedTemplates, query) {
		priority := 1
		if o.deps.Scorer != nil {
			priority = o.deps.Scorer.Score(seed)
		}
		ok, err := o.deps.Frontier.Enqueue(ctx, crawler.NewCrawlJob(seed, 0, priority), crawler.EnqueueOptions{})
		if err != nil {
			o.logger.Warn("enqueue seed failed", zap.String("url", seed), zap.Error(err))
			continue
		}
		if ok {
			added++
		}
	}
	return added
}

// SeedURLs expands each template with query. The placeholder is query
// escaped when it follows a '?' and path escaped otherwise.
func SeedURLs(templates []string, query string) []string {
	seeds := make([]string, 0, len(templates))
	for _, tmpl := range templates {
		idx := strings.Index(tmpl, QueryPlaceholder)
		if idx < 0 {
			continue
		}
		escaped := url.PathEscape(query)
		if strings.Contains(tmpl[:idx], "?") {
			escaped = url.QueryEscape(query)
		}
		seeds = append(seeds, strings.ReplaceAll(tmpl, QueryPlaceholder, escaped))
	}
	return seeds
}

func snippet(content string, limit int) string {
	if len(content) <= limit {
		return content
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}
