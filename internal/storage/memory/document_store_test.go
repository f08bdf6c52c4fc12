package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/selfsearch/internal/crawler"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newStore(maxLinks int) *DocumentStore {
	return NewDocumentStore(maxLinks, &stepClock{now: time.Unix(1700000000, 0).UTC()})
}

func TestStoreOrRejectDeduplicatesByURLAndHash(t *testing.T) {
	t.Parallel()

	store := newStore(0)
	ctx := context.Background()

	first, err := store.StoreOrReject(ctx, crawler.NewDocument{
		URL:         "https://a.example/x",
		Content:     "the quick fox",
		ContentHash: "h1",
		Links:       []string{"https://a.example/y"},
	})
	require.NoError(t, err)
	require.True(t, first.Created)
	require.Equal(t, int64(1), first.Document.ID)

	links, err := store.ListLinks(ctx, first.Document.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example/y"}, links)

	sameURL, err := store.StoreOrReject(ctx, crawler.NewDocument{URL: "https://a.example/x", Content: "other", ContentHash: "h2"})
	require.NoError(t, err)
	require.False(t, sameURL.Created)
	require.Equal(t, first.Document.ID, sameURL.Document.ID)

	sameHash, err := store.StoreOrReject(ctx, crawler.NewDocument{URL: "https://b.example/", Content: "the quick fox", ContentHash: "h1"})
	require.NoError(t, err)
	require.False(t, sameHash.Created)
	require.Equal(t, "https://a.example/x", sameHash.Document.URL)

	crawled, err := store.IsCrawled(ctx, "https://b.example/")
	require.NoError(t, err)
	require.False(t, crawled)
}

func TestStoreOrRejectConcurrentWritersCreateOnce(t *testing.T) {
	t.Parallel()

	store := newStore(0)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.StoreOrReject(ctx, crawler.NewDocument{URL: "https://a.example/x", Content: "c", ContentHash: "h"})
			if err == nil && res.Created {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, created)
}

func TestStoreOrRejectCapsLinks(t *testing.T) {
	t.Parallel()

	store := newStore(2)
	res, err := store.StoreOrReject(context.Background(), crawler.NewDocument{
		URL:         "https://a.example/",
		Content:     "c",
		ContentHash: "h",
		Links:       []string{"https://a.example/1", "https://a.example/2", "https://a.example/3"},
	})
	require.NoError(t, err)
	links, err := store.ListLinks(context.Background(), res.Document.ID)
	require.NoError(t, err)
	require.Len(t, links, 2)
}

func TestFindDocumentsMatchesAllTokensThenFallsBack(t *testing.T) {
	t.Parallel()

	store := newStore(0)
	ctx := context.Background()

	deep, err := store.StoreOrReject(ctx, crawler.NewDocument{URL: "https://a.example/deep", Content: "quick brown fox", ContentHash: "h1", CrawlDepth: 2})
	require.NoError(t, err)
	shallow, err := store.StoreOrReject(ctx, crawler.NewDocument{URL: "https://a.example/", Content: "the fox is quick", ContentHash: "h2"})
	require.NoError(t, err)
	other, err := store.StoreOrReject(ctx, crawler.NewDocument{URL: "https://a.example/dog", Content: "lazy dog", ContentHash: "h3"})
	require.NoError(t, err)

	require.NoError(t, store.ReplaceIndex(ctx, crawler.IndexUpdate{DocumentID: deep.Document.ID, Tokens: []string{"quick", "brown", "fox"}}))
	require.NoError(t, store.ReplaceIndex(ctx, crawler.IndexUpdate{DocumentID: shallow.Document.ID, Tokens: []string{"fox", "quick"}}))
	require.NoError(t, store.ReplaceIndex(ctx, crawler.IndexUpdate{DocumentID: other.Document.ID, Tokens: []string{"lazi", "dog"}}))

	docs, err := store.FindDocuments(ctx, "quick fox", []string{"quick", "fox"}, 10)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, shallow.Document.ID, docs[0].ID)
	require.Equal(t, deep.Document.ID, docs[1].ID)

	docs, err = store.FindDocuments(ctx, "LAZY", []string{"unindexed"}, 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, other.Document.ID, docs[0].ID)

	docs, err = store.FindDocuments(ctx, "zzzznotfound", []string{"zzzznotfound"}, 10)
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestReplaceIndexStatsAndIdempotence(t *testing.T) {
	t.Parallel()

	store := newStore(0)
	ctx := context.Background()

	res, err := store.StoreOrReject(ctx, crawler.NewDocument{URL: "https://a.example/", Content: "fox fox dog", ContentHash: "h"})
	require.NoError(t, err)
	id := res.Document.ID

	update := crawler.IndexUpdate{DocumentID: id, Tokens: []string{"fox", "fox", "dog"}}
	require.NoError(t, store.ReplaceIndex(ctx, update))
	require.NoError(t, store.ReplaceIndex(ctx, update))

	tf, err := store.TermFrequency(ctx, "fox", id)
	require.NoError(t, err)
	require.Equal(t, 2, tf)

	df, err := store.DocumentFrequency(ctx, "fox")
	require.NoError(t, err)
	require.Equal(t, 1, df)

	length, ok, err := store.DocumentLength(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, length)

	avg, err := store.AverageDocumentLength(ctx)
	require.NoError(t, err)
	require.InDelta(t, 3.0, avg, 1e-9)

	require.NoError(t, store.ReplaceIndex(ctx, crawler.IndexUpdate{DocumentID: id, Tokens: []string{"cat"}}))
	tf, err = store.TermFrequency(ctx, "fox", id)
	require.NoError(t, err)
	require.Zero(t, tf)

	require.ErrorIs(t, store.ReplaceIndex(ctx, crawler.IndexUpdate{DocumentID: 99}), crawler.ErrNotFound)
}

func TestDeleteDocumentRestoresPriorState(t *testing.T) {
	t.Parallel()

	store := newStore(0)
	ctx := context.Background()

	keep, err := store.StoreOrReject(ctx, crawler.NewDocument{URL: "https://a.example/keep", Content: "dog", ContentHash: "h0"})
	require.NoError(t, err)
	require.NoError(t, store.ReplaceIndex(ctx, crawler.IndexUpdate{DocumentID: keep.Document.ID, Tokens: []string{"dog"}}))

	countBefore, err := store.DocumentCount(ctx)
	require.NoError(t, err)
	avgBefore, err := store.AverageDocumentLength(ctx)
	require.NoError(t, err)

	res, err := store.StoreOrReject(ctx, crawler.NewDocument{
		URL: "https://a.example/x", Content: "fox fox", ContentHash: "h1", Links: []string{"https://a.example/y"},
	})
	require.NoError(t, err)
	require.NoError(t, store.ReplaceIndex(ctx, crawler.IndexUpdate{DocumentID: res.Document.ID, Tokens: []string{"fox", "fox"}}))

	require.NoError(t, store.DeleteDocument(ctx, res.Document.ID))

	_, err = store.Get(ctx, res.Document.ID)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	df, err := store.DocumentFrequency(ctx, "fox")
	require.NoError(t, err)
	require.Zero(t, df)
	links, err := store.ListLinks(ctx, res.Document.ID)
	require.NoError(t, err)
	require.Empty(t, links)
	countAfter, err := store.DocumentCount(ctx)
	require.NoError(t, err)
	require.Equal(t, countBefore, countAfter)
	avgAfter, err := store.AverageDocumentLength(ctx)
	require.NoError(t, err)
	require.InDelta(t, avgBefore, avgAfter, 1e-9)

	again, err := store.StoreOrReject(ctx, crawler.NewDocument{URL: "https://a.example/x", Content: "fox fox", ContentHash: "h1"})
	require.NoError(t, err)
	require.True(t, again.Created)

	require.ErrorIs(t, store.DeleteDocument(ctx, 999), crawler.ErrNotFound)
}

func TestListUnprocessedAndMarkProcessed(t *testing.T) {
	t.Parallel()

	store := newStore(0)
	ctx := context.Background()

	for i, url := range []string{"https://a.example/1", "https://a.example/2", "https://a.example/3"} {
		_, err := store.StoreOrReject(ctx, crawler.NewDocument{URL: url, Content: url, ContentHash: string(rune('a' + i))})
		require.NoError(t, err)
	}

	docs, err := store.ListUnprocessed(ctx, 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "https://a.example/1", docs[0].URL)

	require.NoError(t, store.MarkProcessed(ctx, docs[0].ID))
	docs, err = store.ListUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "https://a.example/2", docs[0].URL)

	require.ErrorIs(t, store.MarkProcessed(ctx, 42), crawler.ErrNotFound)
}
