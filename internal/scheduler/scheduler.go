// Package scheduler periodically feeds the frontier from the stored link
// edges of documents whose links were never followed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/selfsearch/internal/crawler"
)

// Defaults for zero-valued Config fields.
const (
	DefaultInterval    = 30 * time.Minute
	DefaultBatchSize   = 10
	DefaultMaxChildren = 10
)

// Config tunes the scheduler.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxChildren int
}

// Purger removes expired entries from a cache.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// Deps are the scheduler's collaborators. Scorer and Purger are optional.
type Deps struct {
	Store    crawler.DocumentStore
	Frontier crawler.Enqueuer
	Scorer   crawler.PriorityScorer
	Purger   Purger
}

// Scheduler runs Tick on a fixed interval.
type Scheduler struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	sched gocron.Scheduler
}

// New constructs a stopped Scheduler.
func New(deps Deps, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxChildren <= 0 {
		cfg.MaxChildren = DefaultMaxChildren
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{deps: deps, cfg: cfg, logger: logger.Named("scheduler")}
}

// Tick re-enqueues the uncrawled link targets of up to BatchSize unprocessed
// documents and marks them processed. A full frontier ends the batch early
// and leaves the current document unprocessed. It returns the number of jobs
// added.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	docs, err := s.deps.Store.ListUnprocessed(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unprocessed: %w", err)
	}

	total := 0
	for _, doc := range docs {
		added, err := s.expand(ctx, doc)
		total += added
		if errors.Is(err, crawler.ErrQueueFull) {
			// doc stays unprocessed so its remaining links are retried
			s.logger.Warn("frontier full, deferring remaining documents",
				zap.Int64("document_id", doc.ID),
				zap.Int("enqueued", total))
			break
		}
		if err != nil {
			return total, err
		}
		if err := s.deps.Store.MarkProcessed(ctx, doc.ID); err != nil {
			return total, fmt.Errorf("mark processed %d: %w", doc.ID, err)
		}
	}

	if s.deps.Purger != nil {
		purged, err := s.deps.Purger.Purge(ctx)
		if err != nil {
			s.logger.Warn("cache purge failed", zap.Error(err))
		} else if purged > 0 {
			s.logger.Debug("expired cache entries purged", zap.Int64("count", purged))
		}
	}

	if len(docs) > 0 {
		s.logger.Info("scheduler tick",
			zap.Int("documents", len(docs)),
			zap.Int("enqueued", total))
	}
	return total, nil
}

func (s *Scheduler) expand(ctx context.Context, doc crawler.Document) (int, error) {
	links, err := s.deps.Store.ListLinks(ctx, doc.ID)
	if err != nil {
		return 0, fmt.Errorf("list links %d: %w", doc.ID, err)
	}
	added := 0
	for _, link := range links {
		if added >= s.cfg.MaxChildren {
			break
		}
		crawled, err := s.deps.Store.IsCrawled(ctx, link)
		if err != nil {
			return added, fmt.Errorf("check crawled %s: %w", link, err)
		}
		if crawled {
			continue
		}
		priority := 1
		if s.deps.Scorer != nil {
			priority = s.deps.Scorer.Score(link)
		}
		ok, err := s.deps.Frontier.Enqueue(ctx, crawler.NewCrawlJob(link, 1, priority), crawler.EnqueueOptions{})
		if err != nil {
			return added, fmt.Errorf("enqueue %s: %w", link, err)
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// Start schedules Tick every Interval. Overlapping runs are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched != nil {
		return fmt.Errorf("scheduler already started")
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create gocron scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.Interval),
		gocron.NewTask(func() {
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduler tick failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("create scheduler job: %w", err)
	}
	sched.Start()
	s.sched = sched
	s.logger.Info("scheduler started", zap.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop waits for a running tick and stops the schedule. It is safe to call
// on a scheduler that was never started.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched == nil {
		return nil
	}
	err := s.sched.Shutdown()
	s.sched = nil
	if err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}
