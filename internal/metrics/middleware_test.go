package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Delete("/api/v1/crawl/documents/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Get("/implicit", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	accepted := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodDelete, "202"))
	okGets := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))
	notFound := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodDelete, "/api/v1/crawl/documents/7", nil),
		httptest.NewRequest(http.MethodDelete, "/api/v1/crawl/documents/8", nil),
		httptest.NewRequest(http.MethodGet, "/implicit", nil),
		httptest.NewRequest(http.MethodGet, "/nowhere", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	require.Equal(t, accepted+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodDelete, "202")))
	require.Equal(t, okGets+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")))
	require.Equal(t, notFound+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404")))

	// the two deletes share one route series; the unrouted path is folded
	// into a single label
	require.Equal(t, 3, testutil.CollectAndCount(httpRequestDurationSeconds))
}
