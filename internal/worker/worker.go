// Package worker implements the crawl and index pipelines run for each job
// pulled from the frontier.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/selfsearch/internal/crawler"
	"github.com/JakeFAU/selfsearch/internal/metrics"
	"github.com/JakeFAU/selfsearch/internal/telemetry"
)

// Config controls Worker behavior.
type Config struct {
	MaxDepth        int
	MaxChildren     int
	MaxContentBytes int
	PolitenessDelay time.Duration
	// JobTimeout bounds one job end to end; 0 disables it.
	JobTimeout  time.Duration
	ContentType string
	// DequeueBackoff is the pause after a failed Dequeue.
	DequeueBackoff time.Duration
}

// Indexer rebuilds the index rows of a stored document.
type Indexer interface {
	Index(ctx context.Context, docID int64) error
}

// Limiter throttles job starts.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// RetryPolicy drives the bounded fetch retry loop.
type RetryPolicy interface {
	MaxAttempts() int
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Deps are the collaborators shared by every worker. Limiter, Hosts, and
// BlobStore are optional.
type Deps struct {
	Frontier  crawler.Frontier
	Store     crawler.DocumentStore
	Indexer   Indexer
	Fetcher   crawler.Fetcher
	Robots    crawler.RobotsPolicy
	Resolver  crawler.Resolver
	Dedup     crawler.DedupFilter
	Scorer    crawler.PriorityScorer
	Hasher    crawler.Hasher
	Retry     RetryPolicy
	Limiter   Limiter
	Hosts     *crawler.HostPolicy
	BlobStore crawler.BlobStore
}

// Worker consumes frontier jobs and executes the matching pipeline.
type Worker struct {
	id     int
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if cfg.MaxChildren <= 0 {
		cfg.MaxChildren = 10
	}
	if cfg.DequeueBackoff <= 0 {
		cfg.DequeueBackoff = time.Second
	}
	if deps.Retry == nil {
		deps.Retry = crawler.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:     id,
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("worker").With(zap.Int("worker_id", id)),
	}
}

// Run blocks, consuming jobs until the context finishes or the frontier is
// closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.deps.Frontier.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("frontier dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.DequeueBackoff):
			}
			continue
		}
		w.Process(ctx, job)
	}
}

// Process runs one job and settles it with Ack or Nack.
func (w *Worker) Process(ctx context.Context, job crawler.Job) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	// settling outlives ctx so a job claimed during shutdown is handed back
	settleCtx := context.WithoutCancel(ctx)

	if w.deps.Limiter != nil {
		if err := w.deps.Limiter.Wait(ctx, job.TargetURL()); err != nil {
			w.logger.Debug("rate limit wait aborted", zap.String("job_id", job.ID), zap.Error(err))
			w.settle(settleCtx, job, fmt.Errorf("rate limit: %w", err))
			return
		}
	}

	jobCtx, cancel := w.jobContext(ctx)
	jobCtx, span := telemetry.StartSpan(jobCtx, "worker.job",
		"job.id", job.ID, "job.kind", string(job.Kind), "job.url", job.TargetURL())
	err := w.handle(jobCtx, job)
	telemetry.EndSpan(span, err)
	cancel()

	w.settle(settleCtx, job, err)
}

// settle acks job when err is nil and nacks it otherwise.
func (w *Worker) settle(ctx context.Context, job crawler.Job, err error) {
	kind := string(job.Kind)
	if err == nil {
		if ackErr := w.deps.Frontier.Ack(ctx, job); ackErr != nil {
			w.logger.Error("ack failed", zap.String("job_id", job.ID), zap.Error(ackErr))
		}
		metrics.ObserveJob(kind, "ok")
		return
	}

	w.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("kind", kind),
		zap.Int("attempt", job.Attempts+1),
		zap.Error(err))
	retried, nackErr := w.deps.Frontier.Nack(ctx, job, err)
	if nackErr != nil {
		w.logger.Error("nack failed", zap.String("job_id", job.ID), zap.Error(nackErr))
		return
	}
	if retried {
		metrics.ObserveJob(kind, "retried")
	}
}

func (w *Worker) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.cfg.JobTimeout > 0 {
		return context.WithTimeout(ctx, w.cfg.JobTimeout)
	}
	return context.WithCancel(ctx)
}

func (w *Worker) handle(ctx context.Context, job crawler.Job) error {
	switch job.Kind {
	case crawler.JobKindCrawl:
		if job.Crawl == nil {
			return fmt.Errorf("%w: crawl job without payload", crawler.ErrValidation)
		}
		return w.Crawl(ctx, *job.Crawl)
	case crawler.JobKindIndex:
		if job.Index == nil {
			return fmt.Errorf("%w: index job without payload", crawler.ErrValidation)
		}
		return w.index(ctx, job.Index.DocumentID)
	default:
		return fmt.Errorf("%w: unknown job kind %q", crawler.ErrValidation, job.Kind)
	}
}

func (w *Worker) index(ctx context.Context, docID int64) error {
	err := w.deps.Indexer.Index(ctx, docID)
	if errors.Is(err, crawler.ErrNotFound) {
		w.logger.Info("document gone before indexing", zap.Int64("document_id", docID))
		return nil
	}
	return err
}

// Crawl fetches, stores, and expands one URL. A nil error means the job is
// finished, including the cases where nothing was stored; an error asks the
// frontier to retry the job.
func (w *Worker) Crawl(ctx context.Context, job crawler.CrawlJob) error {
	logger := w.logger.With(zap.String("url", job.URL), zap.Int("depth", job.Depth))

	if job.Depth > w.cfg.MaxDepth {
		logger.Debug("depth exceeds limit", zap.Int("max_depth", w.cfg.MaxDepth))
		return nil
	}

	if w.deps.Dedup != nil && w.deps.Dedup.MightContain(job.URL) {
		crawled, err := w.deps.Store.IsCrawled(ctx, job.URL)
		if err != nil {
			return fmt.Errorf("check crawled: %w", err)
		}
		if crawled {
			logger.Debug("already crawled")
			return nil
		}
	}

	if !w.deps.Hosts.Allowed(job.URL) {
		logger.Info("host blocked")
		return nil
	}

	if w.deps.Robots != nil && !w.deps.Robots.Allowed(ctx, job.URL) {
		logger.Info("disallowed by robots.txt")
		return nil
	}

	resp, ok, err := w.fetch(ctx, job)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	base := resp.URL
	if base == "" {
		base = job.URL
	}
	extracted := crawler.Extract(base, resp.Body, w.cfg.MaxContentBytes)
	if strings.TrimSpace(extracted.Content) == "" {
		logger.Debug("no content extracted")
		return nil
	}

	ip := "unknown"
	if w.deps.Resolver != nil {
		ip = w.deps.Resolver.Resolve(ctx, job.URL)
	}
	hash, err := w.deps.Hasher.Hash([]byte(extracted.Content))
	if err != nil {
		return fmt.Errorf("hash content: %w", err)
	}

	result, err := w.deps.Store.StoreOrReject(ctx, crawler.NewDocument{
		URL:         job.URL,
		Content:     extracted.Content,
		ContentHash: hash,
		CrawlDepth:  job.Depth,
		IPAddress:   ip,
		Links:       extracted.Links,
	})
	if err != nil {
		return fmt.Errorf("store document: %w", err)
	}
	metrics.ObserveDocumentStored(result.Created)
	if !result.Created {
		logger.Debug("duplicate document", zap.Int64("existing_id", result.Document.ID))
		return nil
	}
	logger.Info("document stored",
		zap.Int64("document_id", result.Document.ID),
		zap.Int("links", len(extracted.Links)))

	if w.deps.Dedup != nil {
		w.deps.Dedup.Record(job.URL)
	}
	w.archive(ctx, hash, resp)
	w.scheduleIndex(ctx, result.Document.ID)
	w.enqueueChildren(ctx, job, extracted.Links)
	return nil
}

// fetch runs the bounded retry loop. ok is false when every attempt failed;
// err is only set when ctx ended.
func (w *Worker) fetch(ctx context.Context, job crawler.CrawlJob) (crawler.FetchResponse, bool, error) {
	var lastErr error
	attempts := max(w.deps.Retry.MaxAttempts(), 1)
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := w.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{URL: job.URL, Depth: job.Depth})
		if err == nil {
			return resp, true, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.FetchResponse{}, false, fmt.Errorf("fetch %s: %w", job.URL, ctxErr)
		}
		lastErr = err
		if errors.Is(err, crawler.ErrForbidden) && w.deps.Hosts.MarkForbidden(job.URL) {
			w.logger.Warn("host blocked after repeated forbidden responses", zap.String("url", job.URL))
		}
		if !w.deps.Retry.ShouldRetry(err, attempt+1) {
			break
		}
		select {
		case <-ctx.Done():
			return crawler.FetchResponse{}, false, fmt.Errorf("fetch %s: %w", job.URL, ctx.Err())
		case <-time.After(w.deps.Retry.Backoff(attempt)):
		}
	}
	w.logger.Warn("fetch failed, giving up",
		zap.String("url", job.URL),
		zap.Error(lastErr))
	return crawler.FetchResponse{}, false, nil
}

func (w *Worker) archive(ctx context.Context, hash string, resp crawler.FetchResponse) {
	if w.deps.BlobStore == nil {
		return
	}
	contentType := w.cfg.ContentType
	if resp.Headers != nil && resp.Headers.Get("Content-Type") != "" {
		contentType = resp.Headers.Get("Content-Type")
	}
	uri, err := w.deps.BlobStore.PutObject(ctx, hash+".html", contentType, resp.Body)
	if err != nil {
		w.logger.Warn("archive page failed", zap.String("hash", hash), zap.Error(err))
		return
	}
	w.logger.Debug("page archived", zap.String("uri", uri))
}

// scheduleIndex enqueues an index job, indexing inline when the frontier
// rejects it so that a created document is never left unindexed.
func (w *Worker) scheduleIndex(ctx context.Context, docID int64) {
	_, err := w.deps.Frontier.Enqueue(ctx, crawler.NewIndexJob(docID), crawler.EnqueueOptions{})
	if err == nil {
		return
	}
	w.logger.Warn("enqueue index job failed, indexing inline",
		zap.Int64("document_id", docID),
		zap.Error(err))
	if err := w.deps.Indexer.Index(ctx, docID); err != nil {
		w.logger.Error("inline index failed", zap.Int64("document_id", docID), zap.Error(err))
	}
}

func (w *Worker) enqueueChildren(ctx context.Context, parent crawler.CrawlJob, links []string) {
	depth := parent.Depth + 1
	if depth > w.cfg.MaxDepth {
		return
	}
	children := make([]string, 0, min(len(links), w.cfg.MaxChildren))
	for _, link := range links {
		if len(children) == w.cfg.MaxChildren {
			break
		}
		normalized, err := crawler.NormalizeURL(link)
		if err != nil || !w.deps.Hosts.Allowed(normalized) {
			continue
		}
		children = append(children, normalized)
	}
	for _, link := range children {
		priority := 1
		if w.deps.Scorer != nil {
			priority = w.deps.Scorer.Score(link)
		}
		_, err := w.deps.Frontier.Enqueue(ctx, crawler.NewCrawlJob(link, depth, priority),
			crawler.EnqueueOptions{Delay: w.cfg.PolitenessDelay})
		if err != nil {
			w.logger.Warn("enqueue child failed", zap.String("url", link), zap.Error(err))
		}
	}
}
