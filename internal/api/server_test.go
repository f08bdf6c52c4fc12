package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/selfsearch/internal/bm25"
	memcache "github.com/JakeFAU/selfsearch/internal/cache/memory"
	"github.com/JakeFAU/selfsearch/internal/crawler"
	"github.com/JakeFAU/selfsearch/internal/hash/sha256"
	"github.com/JakeFAU/selfsearch/internal/indexer"
	memqueue "github.com/JakeFAU/selfsearch/internal/queue/memory"
	"github.com/JakeFAU/selfsearch/internal/search"
	memstore "github.com/JakeFAU/selfsearch/internal/storage/memory"
	"github.com/JakeFAU/selfsearch/internal/tokenize"
)

type testEnv struct {
	server  *Server
	store   *memstore.DocumentStore
	queue   *memqueue.Queue
	indexer *indexer.Indexer
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	store := memstore.NewDocumentStore(50, nil)
	q := memqueue.NewQueue(memqueue.Options{})
	t.Cleanup(q.Close)
	tok := tokenize.Default()
	cache := memcache.New(nil)
	ix := indexer.New(store, tok, indexer.Options{Cache: cache})
	orch := search.New(search.Deps{
		Store:     store,
		Cache:     cache,
		Frontier:  q,
		Tokenizer: tok,
		Ranker:    bm25.New(store, tok),
	}, search.Config{SeedTemplates: []string{
		"https://www.google.com/search?q={query}",
		"https://en.wikipedia.org/wiki/{query}",
		"https://www.reddit.com/search/?q={query}",
	}}, zap.NewNop())

	server := NewServer(Deps{
		Store:    store,
		Frontier: q,
		Searcher: orch,
		Hasher:   sha256.New(),
		Indexer:  ix,
	}, opts, zap.NewNop())
	return &testEnv{server: server, store: store, queue: q, indexer: ix}
}

func (e *testEnv) do(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) storeDocument(t *testing.T, url, content string) documentResponse {
	t.Helper()
	body := fmt.Sprintf(`{"url":%q,"content":%q,"crawlDepth":0,"ipAddress":"192.0.2.1","links":["https://a.example/next"]}`, url, content)
	rec := e.do(t, http.MethodPost, "/api/v1/crawl/store-document", []byte(body))
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, rec.Code, rec.Body.String())
	var resp documentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestStoreDocumentCreatesThenReportsDuplicate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	body := []byte(`{"url":"https://a.example/fox","content":"The quick brown fox","crawlDepth":1,"ipAddress":"192.0.2.1","links":["https://a.example/den"]}`)

	rec := env.do(t, http.MethodPost, "/api/v1/crawl/store-document", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created documentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, MsgDocumentAdded, created.Message)
	require.Equal(t, "https://a.example/fox", created.Document.URL)
	require.Equal(t, sha256.Sum("The quick brown fox"), created.Document.ContentHash)
	require.Equal(t, 1, created.Document.CrawlDepth)

	job, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.JobKindIndex, job.Kind)
	require.Equal(t, created.Document.ID, job.Index.DocumentID)

	links, err := env.store.ListLinks(context.Background(), created.Document.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example/den"}, links)

	rec = env.do(t, http.MethodPost, "/api/v1/crawl/store-document", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var existing documentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &existing))
	require.Equal(t, MsgDocumentExists, existing.Message)
	require.Equal(t, created.Document.ID, existing.Document.ID)
	require.Zero(t, env.queue.Len())
}

func TestStoreDocumentValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "invalid json", body: `{invalid`, want: "invalid JSON"},
		{name: "relative url", body: `{"url":"/x","content":"c","crawlDepth":0,"ipAddress":"192.0.2.1"}`, want: "url"},
		{name: "ftp url", body: `{"url":"ftp://a.example/","content":"c","crawlDepth":0,"ipAddress":"192.0.2.1"}`, want: "url"},
		{name: "empty content", body: `{"url":"https://a.example/","content":"  ","crawlDepth":0,"ipAddress":"192.0.2.1"}`, want: "content"},
		{name: "missing depth", body: `{"url":"https://a.example/","content":"c","ipAddress":"192.0.2.1"}`, want: "crawlDepth"},
		{name: "negative depth", body: `{"url":"https://a.example/","content":"c","crawlDepth":-1,"ipAddress":"192.0.2.1"}`, want: "crawlDepth"},
		{name: "bad ip", body: `{"url":"https://a.example/","content":"c","crawlDepth":0,"ipAddress":"unknown"}`, want: "ipAddress"},
		{name: "links not array", body: `{"url":"https://a.example/","content":"c","crawlDepth":0,"ipAddress":"192.0.2.1","links":"x"}`, want: "invalid JSON"},
		{name: "bad link", body: `{"url":"https://a.example/","content":"c","crawlDepth":0,"ipAddress":"192.0.2.1","links":["mailto:x@y"]}`, want: "link"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, Options{})
			rec := env.do(t, http.MethodPost, "/api/v1/crawl/store-document", []byte(tt.body))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tt.want)
			count, err := env.store.DocumentCount(context.Background())
			require.NoError(t, err)
			require.Zero(t, count)
		})
	}
}

func TestSearchReturnsIndexedResults(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	doc := env.storeDocument(t, "https://a.example/fox", "The quick brown fox jumps over the lazy dog")
	require.NoError(t, env.indexer.Index(context.Background(), doc.Document.ID))

	rec := env.do(t, http.MethodGet, "/api/v1/crawl/search?q=fox", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Results []crawler.SearchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	require.Equal(t, "https://a.example/fox", resp.Results[0].URL)
	require.Positive(t, resp.Results[0].Score)

	// served from the cache the second time
	rec = env.do(t, http.MethodGet, "/api/v1/crawl/search?q=fox", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "https://a.example/fox")
}

func TestSearchMissTriggersCrawl(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodGet, "/api/v1/crawl/search?q=zzzznotfound", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"message":"Crawling initiated. Check back soon for results."}`, rec.Body.String())
	require.Equal(t, 3, env.queue.Len())
}

func TestSearchRequiresQuery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodGet, "/api/v1/crawl/search", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/crawl/search?q=%20%20", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchFailureIs500(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Searcher: failingSearcher{}}, Options{}, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/crawl/search?q=fox", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), msgSearchFailed)
}

func TestDeleteDocument(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	doc := env.storeDocument(t, "https://a.example/gone", "soon to be removed")

	rec := env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/crawl/documents/%d", doc.Document.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), MsgDocumentDeleted)

	crawled, err := env.store.IsCrawled(context.Background(), "https://a.example/gone")
	require.NoError(t, err)
	require.False(t, crawled)

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/crawl/documents/%d", doc.Document.ID), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/crawl/documents/abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodDelete, "/api/v1/crawl/documents/0", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteDocumentDropsCachedResults(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	doc := env.storeDocument(t, "https://a.example/x", "the quick fox")
	require.NoError(t, env.indexer.Index(context.Background(), doc.Document.ID))

	// the second search is answered from the cache
	for range 2 {
		rec := env.do(t, http.MethodGet, "/api/v1/crawl/search?q=fox", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Body.String(), "https://a.example/x")
	}

	rec := env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/crawl/documents/%d", doc.Document.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/crawl/search?q=fox", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotContains(t, rec.Body.String(), "https://a.example/x")
}

func TestStoreDocumentIndexesInlineWhenFrontierClosed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.queue.Close()
	doc := env.storeDocument(t, "https://a.example/inline", "inline indexed otter")

	_, ok, err := env.store.DocumentLength(context.Background(), doc.Document.ID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestProbesAndMetrics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", nil).Code)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")

	notReady := NewServer(Deps{Ready: func(context.Context) error { return errors.New("db down") }}, Options{}, zap.NewNop())
	rec = httptest.NewRecorder()
	notReady.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{AuthEnabled: true, APIKey: "secret"})
	require.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/healthz", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz?api_key=secret", nil).Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

type failingSearcher struct{}

func (failingSearcher) Search(context.Context, string) (search.Outcome, error) {
	return search.Outcome{}, errors.New("find documents: connection refused")
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
