// Package memory provides an in-process frontier for single-node deployments
// and tests.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/selfsearch/internal/clock/system"
	"github.com/JakeFAU/selfsearch/internal/crawler"
	"github.com/JakeFAU/selfsearch/internal/metrics"
	"github.com/JakeFAU/selfsearch/internal/queue"
)

// Options configures a Queue.
type Options struct {
	// Capacity bounds pending jobs (queued plus in flight); 0 is unbounded.
	Capacity int
	Retry    queue.RetryPolicy
	Clock    crawler.Clock
	Logger   *zap.Logger
}

// Queue is a priority frontier with delayed visibility and retry backoff.
// A job ID stays pending from Enqueue until Ack or a final Nack, and a
// second Enqueue of the same ID in that window is ignored.
type Queue struct {
	mu       sync.Mutex
	ready    readyHeap
	delayed  delayedHeap
	pending  map[string]struct{}
	wake     chan struct{}
	seq      uint64
	closed   bool
	capacity int
	retry    queue.RetryPolicy
	clock    crawler.Clock
	logger   *zap.Logger
}

var _ crawler.Frontier = (*Queue)(nil)

// NewQueue constructs an empty queue.
func NewQueue(opts Options) *Queue {
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Retry = queue.NewRetryPolicy(opts.Retry.MaxAttempts, opts.Retry.BackoffBase)
	return &Queue{
		pending:  make(map[string]struct{}),
		wake:     make(chan struct{}),
		capacity: opts.Capacity,
		retry:    opts.Retry,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("frontier"),
	}
}

// Enqueue implements crawler.Frontier.
func (q *Queue) Enqueue(ctx context.Context, job crawler.Job, opts crawler.EnqueueOptions) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("enqueue canceled: %w", err)
	}
	if err := job.Validate(); err != nil {
		return false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, crawler.ErrQueueClosed
	}
	if _, dup := q.pending[job.ID]; dup {
		return false, nil
	}
	if q.capacity > 0 && len(q.pending) >= q.capacity {
		return false, crawler.ErrQueueFull
	}

	now := q.clock.Now()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	job.VisibleAt = now.Add(max(opts.Delay, 0))
	q.pending[job.ID] = struct{}{}
	q.push(job, now)
	metrics.SetFrontierPending(len(q.pending))
	return true, nil
}

// Dequeue implements crawler.Frontier.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return crawler.Job{}, crawler.ErrQueueClosed
		}
		now := q.clock.Now()
		q.promote(now)
		if q.ready.Len() > 0 {
			it := heap.Pop(&q.ready).(*item)
			q.mu.Unlock()
			return it.job, nil
		}
		wait := time.Duration(-1)
		if q.delayed.Len() > 0 {
			wait = max(q.delayed[0].job.VisibleAt.Sub(now), 0)
		}
		wake := q.wake
		q.mu.Unlock()

		var (
			timer   *time.Timer
			timerCh <-chan time.Time
		)
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerCh = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return crawler.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wake:
		case <-timerCh:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Ack implements crawler.Frontier.
func (q *Queue) Ack(_ context.Context, job crawler.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, job.ID)
	metrics.SetFrontierPending(len(q.pending))
	return nil
}

// Nack implements crawler.Frontier.
func (q *Queue) Nack(_ context.Context, job crawler.Job, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delay, ok := q.retry.Next(job.Attempts)
	if !ok || q.closed {
		delete(q.pending, job.ID)
		metrics.SetFrontierPending(len(q.pending))
		metrics.ObserveJob(string(job.Kind), "dropped")
		q.logger.Warn("dropping job after final attempt",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.Int("attempts", job.Attempts+1),
			zap.Error(cause))
		return false, nil
	}

	now := q.clock.Now()
	job.Attempts++
	job.VisibleAt = now.Add(delay)
	q.pending[job.ID] = struct{}{}
	q.push(job, now)
	q.logger.Debug("job scheduled for retry",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
		zap.Duration("backoff", delay),
		zap.Error(cause))
	return true, nil
}

// Len reports the number of queued jobs, excluding jobs in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + q.delayed.Len()
}

// Pending reports queued plus in-flight jobs.
func (q *Queue) Pending(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), nil
}

// Close wakes blocked consumers; later calls fail with crawler.ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

func (q *Queue) push(job crawler.Job, now time.Time) {
	q.seq++
	it := &item{job: job, seq: q.seq}
	if job.VisibleAt.After(now) {
		heap.Push(&q.delayed, it)
	} else {
		heap.Push(&q.ready, it)
	}
	q.broadcast()
}

func (q *Queue) promote(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].job.VisibleAt.After(now) {
		it := heap.Pop(&q.delayed).(*item)
		heap.Push(&q.ready, it)
	}
}

func (q *Queue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

type item struct {
	job   crawler.Job
	seq   uint64
	index int
}

type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i].job, h[j].job
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type delayedHeap []*item

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	if !h[i].job.VisibleAt.Equal(h[j].job.VisibleAt) {
		return h[i].job.VisibleAt.Before(h[j].job.VisibleAt)
	}
	return h[i].seq < h[j].seq
}

func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayedHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
