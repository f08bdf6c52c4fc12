package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/selfsearch/internal/crawler"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestCacheRoundTrip(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	cache, err := New(mock, fixedClock{now: now})
	require.NoError(t, err)

	results := []crawler.SearchResult{{ID: 1, URL: "https://a.example/x", Snippet: "quick fox", Score: 2.5}}
	encoded := `[{"id":1,"url":"https://a.example/x","snippet":"quick fox","crawlDepth":0,"score":2.5}]`

	mock.ExpectExec("INSERT INTO search_cache").
		WithArgs("search:fox", encoded, now.Add(time.Hour)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT value FROM search_cache").
		WithArgs("search:fox", now).
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte(encoded)))

	require.NoError(t, cache.Set(context.Background(), "search:fox", results, time.Hour))
	got, ok, err := cache.Get(context.Background(), "search:fox")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, results, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheMissAndPurge(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	cache, err := New(mock, fixedClock{now: now})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT value FROM search_cache").
		WithArgs("search:none", now).
		WillReturnRows(pgxmock.NewRows([]string{"value"}))
	mock.ExpectExec("DELETE FROM search_cache").
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	_, ok, err := cache.Get(context.Background(), "search:none")
	require.NoError(t, err)
	require.False(t, ok)

	n, err := cache.Purge(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheInvalidate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cache, err := New(mock, fixedClock{now: time.Unix(1700000000, 0).UTC()})
	require.NoError(t, err)

	mock.ExpectExec(`^DELETE FROM search_cache$`).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))
	mock.ExpectExec(`^DELETE FROM search_cache$`).
		WillReturnError(errors.New("connection reset"))

	require.NoError(t, cache.Invalidate(context.Background()))
	err = cache.Invalidate(context.Background())
	require.ErrorContains(t, err, "invalidate cache")
	require.NoError(t, mock.ExpectationsWereMet())
}
