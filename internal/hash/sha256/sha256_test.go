package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)

	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, got, again)
	require.Equal(t, got, Sum("hello world"))
}

func TestDistinctContentDistinctHash(t *testing.T) {
	t.Parallel()

	require.NotEqual(t, Sum("the quick fox"), Sum("the quick fox."))
	require.Len(t, Sum(""), 64)
}
