package crawler

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCrawlJobIdentity(t *testing.T) {
	t.Parallel()

	a := NewCrawlJob("https://a.example/x", 1, 10)
	b := NewCrawlJob("https://a.example/x", 1, 99)
	c := NewCrawlJob("https://a.example/x", 2, 10)
	require.Equal(t, a.ID, b.ID)
	require.NotEqual(t, a.ID, c.ID)
	require.Equal(t, JobKindCrawl, a.Kind)
	require.NoError(t, a.Validate())

	idx := NewIndexJob(42)
	require.Equal(t, "index:42", idx.ID)
	require.Equal(t, IndexJobPriority, idx.Priority)
	require.NoError(t, idx.Validate())
}

func TestJobValidate(t *testing.T) {
	t.Parallel()

	cases := []Job{
		{},
		{ID: "x", Kind: JobKindCrawl},
		{ID: "x", Kind: JobKindCrawl, Crawl: &CrawlJob{URL: "https://a", Depth: -1}},
		{ID: "x", Kind: JobKindIndex, Index: &IndexJob{}},
		{ID: "x", Kind: "bogus"},
	}
	for _, job := range cases {
		require.True(t, errors.Is(job.Validate(), ErrValidation), "%+v", job)
	}
}

func TestJobPayloadRoundTrip(t *testing.T) {
	t.Parallel()

	job := NewCrawlJob("https://a.example/x", 2, 7)
	data, err := job.Payload()
	require.NoError(t, err)
	require.JSONEq(t, `{"url":"https://a.example/x","depth":2,"priority":7}`, string(data))

	decoded := Job{ID: job.ID, Kind: JobKindCrawl}
	require.NoError(t, decoded.DecodePayload(data))
	require.Equal(t, job.Crawl, decoded.Crawl)

	bad := Job{Kind: "other"}
	require.Error(t, bad.DecodePayload([]byte(`{}`)))
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, 100*time.Millisecond, time.Second)
	require.Equal(t, 3, p.MaxAttempts())
	require.Equal(t, 100*time.Millisecond, p.Backoff(0))
	require.Equal(t, 200*time.Millisecond, p.Backoff(1))
	require.Equal(t, time.Second, p.Backoff(10))

	transient := errors.Join(ErrTransientFetch, errors.New("502"))
	require.True(t, p.ShouldRetry(transient, 1))
	require.False(t, p.ShouldRetry(transient, 3))
	require.False(t, p.ShouldRetry(errors.New("404"), 1))
	require.False(t, p.ShouldRetry(nil, 1))

	jittered := NewExponentialRetryPolicy()
	for attempt := range 4 {
		d := jittered.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestIndexUpdateTermFrequencies(t *testing.T) {
	t.Parallel()

	u := IndexUpdate{DocumentID: 1, Tokens: []string{"fox", "quick", "fox"}}
	require.Equal(t, map[string]int{"fox": 2, "quick": 1}, u.TermFrequencies())
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestJobTargetURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://a.example/", NewCrawlJob("https://a.example/", 0, 1).TargetURL())
	require.Empty(t, NewIndexJob(3).TargetURL())
}
