package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/selfsearch/internal/crawler"
	memqueue "github.com/JakeFAU/selfsearch/internal/queue/memory"
	memstore "github.com/JakeFAU/selfsearch/internal/storage/memory"
)

func seedDocument(t *testing.T, store *memstore.DocumentStore, url string, links ...string) crawler.Document {
	t.Helper()
	res, err := store.StoreOrReject(context.Background(), crawler.NewDocument{
		URL:         url,
		Content:     "content of " + url,
		ContentHash: "hash-" + url,
		Links:       links,
	})
	require.NoError(t, err)
	require.True(t, res.Created)
	return res.Document
}

func drain(t *testing.T, q *memqueue.Queue) []crawler.Job {
	t.Helper()
	var jobs []crawler.Job
	for q.Len() > 0 {
		job, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		jobs = append(jobs, job)
	}
	return jobs
}

func TestTickEnqueuesUncrawledLinksOnce(t *testing.T) {
	t.Parallel()

	store := memstore.NewDocumentStore(50, nil)
	q := memqueue.NewQueue(memqueue.Options{})
	seedDocument(t, store, "https://a.example/", "https://a.example/x", "https://b.example/", "https://a.example/y")
	seedDocument(t, store, "https://b.example/")
	s := New(Deps{Store: store, Frontier: q, Scorer: crawler.NewScorer()}, Config{}, zap.NewNop())

	added, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, added)

	jobs := drain(t, q)
	urls := make([]string, 0, len(jobs))
	for _, job := range jobs {
		require.Equal(t, 1, job.Crawl.Depth)
		urls = append(urls, job.Crawl.URL)
	}
	require.ElementsMatch(t, []string{"https://a.example/x", "https://a.example/y"}, urls)

	added, err = s.Tick(context.Background())
	require.NoError(t, err)
	require.Zero(t, added)
	require.Zero(t, q.Len())

	unprocessed, err := store.ListUnprocessed(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, unprocessed)
}

func TestTickCapsChildrenAndBatch(t *testing.T) {
	t.Parallel()

	store := memstore.NewDocumentStore(50, nil)
	q := memqueue.NewQueue(memqueue.Options{})
	seedDocument(t, store, "https://a.example/", "https://a.example/1", "https://a.example/2", "https://a.example/3")
	seedDocument(t, store, "https://c.example/", "https://c.example/1")
	s := New(Deps{Store: store, Frontier: q}, Config{BatchSize: 1, MaxChildren: 2}, zap.NewNop())

	added, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, added)

	unprocessed, err := store.ListUnprocessed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)
	require.Equal(t, "https://c.example/", unprocessed[0].URL)
}

func TestTickStopsOnFullFrontier(t *testing.T) {
	t.Parallel()

	store := memstore.NewDocumentStore(50, nil)
	q := memqueue.NewQueue(memqueue.Options{Capacity: 1})
	seedDocument(t, store, "https://a.example/", "https://a.example/1", "https://a.example/2")
	s := New(Deps{Store: store, Frontier: q}, Config{}, zap.NewNop())

	ctx := context.Background()
	added, err := s.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, added)

	unprocessed, err := store.ListUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)

	// crawl the first link, freeing the slot it held
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://a.example/1", job.Crawl.URL)
	seedDocument(t, store, "https://a.example/1")
	require.NoError(t, q.Ack(ctx, job))

	added, err = s.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, added)
	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://a.example/2", job.Crawl.URL)

	unprocessed, err = store.ListUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, unprocessed)
}

func TestTickPurgesCache(t *testing.T) {
	t.Parallel()

	purger := &countingPurger{}
	s := New(Deps{
		Store:    memstore.NewDocumentStore(50, nil),
		Frontier: memqueue.NewQueue(memqueue.Options{}),
		Purger:   purger,
	}, Config{}, zap.NewNop())

	_, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), purger.calls.Load())

	purger.err = errors.New("db down")
	_, err = s.Tick(context.Background())
	require.NoError(t, err)
}

func TestStartRunsTicksUntilStopped(t *testing.T) {
	t.Parallel()

	store := memstore.NewDocumentStore(50, nil)
	q := memqueue.NewQueue(memqueue.Options{})
	seedDocument(t, store, "https://a.example/", "https://a.example/next")
	s := New(Deps{Store: store, Frontier: q}, Config{Interval: 20 * time.Millisecond}, zap.NewNop())

	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return q.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

type countingPurger struct {
	calls atomic.Int32
	err   error
}

func (p *countingPurger) Purge(context.Context) (int64, error) {
	p.calls.Add(1)
	return 3, p.err
}
