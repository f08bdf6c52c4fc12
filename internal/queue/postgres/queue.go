// Package postgres provides a durable frontier on the crawl_jobs table.
// Workers claim rows with FOR UPDATE SKIP LOCKED and hold them for a lease;
// a crashed worker's job becomes visible again once its lease expires.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/selfsearch/internal/clock/system"
	"github.com/JakeFAU/selfsearch/internal/crawler"
	"github.com/JakeFAU/selfsearch/internal/metrics"
	"github.com/JakeFAU/selfsearch/internal/queue"
	"github.com/JakeFAU/selfsearch/internal/storage/postgres"
)

// Defaults for zero-valued options.
const (
	DefaultLease        = 5 * time.Minute
	DefaultPollInterval = 500 * time.Millisecond
)

// errDropped reports a claimed row that was deleted instead of returned.
var errDropped = errors.New("undecodable job dropped")

// Options configures a Queue.
type Options struct {
	Retry        queue.RetryPolicy
	Lease        time.Duration
	PollInterval time.Duration
	Clock        crawler.Clock
	Logger       *zap.Logger
}

// Queue implements crawler.Frontier on Postgres.
type Queue struct {
	pool      postgres.Pool
	retry     queue.RetryPolicy
	lease     time.Duration
	poll      time.Duration
	clock     crawler.Clock
	logger    *zap.Logger
	done      chan struct{}
	closeOnce sync.Once
}

var _ crawler.Frontier = (*Queue)(nil)

// NewQueue constructs a queue over pool. The crawl_jobs table must exist.
func NewQueue(pool postgres.Pool, opts Options) (*Queue, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Queue{
		pool:   pool,
		retry:  queue.NewRetryPolicy(opts.Retry.MaxAttempts, opts.Retry.BackoffBase),
		lease:  opts.Lease,
		poll:   opts.PollInterval,
		clock:  opts.Clock,
		logger: opts.Logger.Named("frontier"),
		done:   make(chan struct{}),
	}, nil
}

// Enqueue implements crawler.Frontier. A row with the same ID makes the call
// a no-op that reports false.
func (q *Queue) Enqueue(ctx context.Context, job crawler.Job, opts crawler.EnqueueOptions) (bool, error) {
	if q.isClosed() {
		return false, crawler.ErrQueueClosed
	}
	if err := job.Validate(); err != nil {
		return false, err
	}
	payload, err := job.Payload()
	if err != nil {
		return false, err
	}
	now := q.clock.Now()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	tag, err := q.pool.Exec(ctx, `
INSERT INTO crawl_jobs (id, kind, payload, priority, attempts, visible_at, enqueued_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`,
		job.ID, string(job.Kind), string(payload), job.Priority, job.Attempts,
		now.Add(max(opts.Delay, 0)), job.EnqueuedAt)
	if err != nil {
		return false, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Dequeue implements crawler.Frontier by polling for the next visible job.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Job, error) {
	for {
		if q.isClosed() {
			return crawler.Job{}, crawler.ErrQueueClosed
		}
		job, ok, err := q.claim(ctx)
		if errors.Is(err, errDropped) {
			continue
		}
		if err != nil {
			return crawler.Job{}, err
		}
		if ok {
			return job, nil
		}
		timer := time.NewTimer(q.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return crawler.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			timer.Stop()
			return crawler.Job{}, crawler.ErrQueueClosed
		case <-timer.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context) (crawler.Job, bool, error) {
	now := q.clock.Now()
	var (
		job     crawler.Job
		kind    string
		payload []byte
	)
	err := q.pool.QueryRow(ctx, `
UPDATE crawl_jobs SET locked_until = $1
WHERE id = (
    SELECT id FROM crawl_jobs
    WHERE visible_at <= $2 AND (locked_until IS NULL OR locked_until <= $2)
    ORDER BY priority DESC, enqueued_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING id, kind, payload, priority, attempts, visible_at, enqueued_at`,
		now.Add(q.lease), now,
	).Scan(&job.ID, &kind, &payload, &job.Priority, &job.Attempts, &job.VisibleAt, &job.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, false, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.Job{}, false, fmt.Errorf("dequeue canceled: %w", ctxErr)
		}
		return crawler.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	job.Kind = crawler.JobKind(kind)
	if err := job.DecodePayload(payload); err != nil {
		// a row that never decodes would be re-claimed after every lease
		if _, delErr := q.pool.Exec(ctx, `DELETE FROM crawl_jobs WHERE id = $1`, job.ID); delErr != nil {
			return crawler.Job{}, false, fmt.Errorf("drop undecodable job %s: %w", job.ID, delErr)
		}
		metrics.ObserveJob(kind, "dropped")
		q.logger.Warn("dropping undecodable job",
			zap.String("job_id", job.ID),
			zap.String("kind", kind),
			zap.Error(err))
		return crawler.Job{}, false, errDropped
	}
	return job, true, nil
}

// Ack implements crawler.Frontier.
func (q *Queue) Ack(ctx context.Context, job crawler.Job) error {
	if _, err := q.pool.Exec(ctx, `DELETE FROM crawl_jobs WHERE id = $1`, job.ID); err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	return nil
}

// Nack implements crawler.Frontier.
func (q *Queue) Nack(ctx context.Context, job crawler.Job, cause error) (bool, error) {
	delay, ok := q.retry.Next(job.Attempts)
	if !ok {
		if _, err := q.pool.Exec(ctx, `DELETE FROM crawl_jobs WHERE id = $1`, job.ID); err != nil {
			return false, fmt.Errorf("drop job %s: %w", job.ID, err)
		}
		metrics.ObserveJob(string(job.Kind), "dropped")
		q.logger.Warn("dropping job after final attempt",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.Int("attempts", job.Attempts+1),
			zap.Error(cause))
		return false, nil
	}
	_, err := q.pool.Exec(ctx, `
UPDATE crawl_jobs SET attempts = attempts + 1, visible_at = $2, locked_until = NULL
WHERE id = $1`, job.ID, q.clock.Now().Add(delay))
	if err != nil {
		return false, fmt.Errorf("retry job %s: %w", job.ID, err)
	}
	q.logger.Debug("job scheduled for retry",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts+1),
		zap.Duration("backoff", delay),
		zap.Error(cause))
	return true, nil
}

// Pending reports the number of stored jobs, including leased ones.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	var n int
	if err := q.pool.QueryRow(ctx, `SELECT COUNT(*) FROM crawl_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	metrics.SetFrontierPending(n)
	return n, nil
}

// Close stops blocked consumers. Stored jobs survive for the next process.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}
