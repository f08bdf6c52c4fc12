package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/selfsearch/internal/storage/local"
)

func TestNewCreatesBaseDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "pages")
	_, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestNewRejectsBadBaseDir(t *testing.T) {
	t.Parallel()

	_, err := local.New(local.Config{})
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = local.New(local.Config{BaseDir: file})
	require.ErrorContains(t, err, "not a directory")
}

func TestPutObjectWritesUnderPrefix(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir, Prefix: "/pages/"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "abc.html", "text/html", []byte("<p>hi</p>"))
	require.NoError(t, err)

	want := filepath.Join(dir, "pages", "abc.html")
	require.Equal(t, "file://"+want, uri)
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	require.Equal(t, "<p>hi</p>", string(data))
}

func TestPutObjectRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../../etc/passwd", "text/plain", []byte("x"))
	require.ErrorContains(t, err, "escapes")
	_, err = store.PutObject(context.Background(), " ", "text/plain", []byte("x"))
	require.Error(t, err)
}
