package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"HTTP://Example.COM:80/a?b=2&a=1#frag": "http://example.com/a?a=1&b=2",
		"https://example.com:443/":             "https://example.com/",
		"https://example.com:8443/x":           "https://example.com:8443/x",
		"https://example.com/Path":             "https://example.com/Path",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := NormalizeURL("http://[::1")
	require.Error(t, err)
}

func TestIsHTTPURL(t *testing.T) {
	t.Parallel()

	require.True(t, IsHTTPURL("https://example.com/x"))
	require.True(t, IsHTTPURL("http://example.com"))
	require.False(t, IsHTTPURL("ftp://example.com"))
	require.False(t, IsHTTPURL("/relative"))
	require.False(t, IsHTTPURL("https://"))
}
