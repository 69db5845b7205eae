package weights

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalStore(t *testing.T) {
	rootDir := filepath.Join(t.TempDir(), "weights")
	store, err := NewLocalStore(rootDir)
	require.NoError(t, err)
	require.Equal(t, rootDir, store.RootPath())

	t.Run("write and open", func(t *testing.T) {
		content := []byte{0xDE, 0xAD, 0xBE, 0xEF}
		require.NoError(t, store.WriteBlob(t.Context(), BlobName("42"), strings.NewReader(string(content))))

		rc, size, err := store.Open(t.Context(), BlobName("42"))
		require.NoError(t, err)
		defer rc.Close()
		require.Equal(t, int64(len(content)), size)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.Equal(t, content, got)

		// ensure incomplete blob file does not exist
		_, err = os.Stat(incompletePath(filepath.Join(rootDir, BlobName("42"))))
		require.True(t, errors.Is(err, os.ErrNotExist))

		exists, err := store.Exists(t.Context(), BlobName("42"))
		require.NoError(t, err)
		require.True(t, exists)
	})

	t.Run("open missing blob", func(t *testing.T) {
		_, _, err := store.Open(t.Context(), BlobName("99"))
		require.ErrorIs(t, err, ErrBlobNotFound)

		exists, err := store.Exists(t.Context(), BlobName("99"))
		require.NoError(t, err)
		require.False(t, exists)
	})

	t.Run("failed write leaves nothing behind", func(t *testing.T) {
		err := store.WriteBlob(t.Context(), BlobName("7"), &errorReader{})
		require.Error(t, err)

		_, err = os.Stat(filepath.Join(rootDir, BlobName("7")))
		require.True(t, errors.Is(err, os.ErrNotExist))
		_, err = os.Stat(incompletePath(filepath.Join(rootDir, BlobName("7"))))
		require.True(t, errors.Is(err, os.ErrNotExist))
	})

	t.Run("failed write keeps previous blob", func(t *testing.T) {
		require.NoError(t, store.WriteBlob(t.Context(), BlobName("8"), strings.NewReader("v1")))
		require.Error(t, store.WriteBlob(t.Context(), BlobName("8"), &errorReader{}))

		content, err := os.ReadFile(filepath.Join(rootDir, BlobName("8")))
		require.NoError(t, err)
		require.Equal(t, "v1", string(content))
	})

	t.Run("rejects traversal", func(t *testing.T) {
		_, _, err := store.Open(t.Context(), "../secret")
		require.ErrorIs(t, err, ErrInvalidName)
		require.ErrorIs(t, store.WriteBlob(t.Context(), "../secret", strings.NewReader("x")), ErrInvalidName)
	})

	t.Run("directory is not a blob", func(t *testing.T) {
		require.NoError(t, os.Mkdir(filepath.Join(rootDir, BlobName("dir")), 0o755))
		_, _, err := store.Open(t.Context(), BlobName("dir"))
		require.ErrorIs(t, err, ErrBlobNotFound)
		exists, err := store.Exists(t.Context(), BlobName("dir"))
		require.NoError(t, err)
		require.False(t, exists)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, store.WriteBlob(t.Context(), BlobName("9"), strings.NewReader("x")))
		require.NoError(t, store.RemoveBlob(t.Context(), BlobName("9")))
		require.ErrorIs(t, store.RemoveBlob(t.Context(), BlobName("9")), ErrBlobNotFound)
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		_, _, err := store.Open(ctx, BlobName("42"))
		require.Error(t, err)
	})
}

func TestNewLocalStoreRequiresRoot(t *testing.T) {
	_, err := NewLocalStore("")
	require.Error(t, err)
}

type errorReader struct{}

func (errorReader) Read([]byte) (int, error) {
	return 0, errors.New("fake error")
}
