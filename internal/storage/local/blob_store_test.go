package local_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/repo-census/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("CreatesMissingDir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "artifacts")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.NotNil(t, store)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsAFile", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: path})
		assert.Error(t, err)
	})

	t.Run("LeavesNoProbeBehind", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("WritesNestedObject", func(t *testing.T) {
		t.Parallel()
		key := "census/run-1/repos.json"
		data := []byte(`[{"name":"a"}]`)
		uri, err := store.PutObject(ctx, key, "application/json", bytes.NewReader(data))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(uri, "file://"))
		assert.True(t, strings.HasSuffix(uri, key))

		// #nosec G304 -- test reads from the controlled temp directory.
		got, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(key)))
		require.NoError(t, err)
		assert.Equal(t, data, got)

		entries, err := os.ReadDir(filepath.Join(dir, "census", "run-1"))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "temp file must be renamed away")
	})

	t.Run("Overwrites", func(t *testing.T) {
		t.Parallel()
		key := "again.json"
		_, err := store.PutObject(ctx, key, "", bytes.NewReader([]byte("old")))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, key, "", bytes.NewReader([]byte("new")))
		require.NoError(t, err)
		// #nosec G304 -- test reads from the controlled temp directory.
		got, err := os.ReadFile(filepath.Join(dir, key))
		require.NoError(t, err)
		assert.Equal(t, "new", string(got))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		t.Parallel()
		_, err := store.PutObject(ctx, " ", "", bytes.NewReader(nil))
		assert.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		t.Parallel()
		_, err := store.PutObject(ctx, "../escape.json", "", bytes.NewReader([]byte("x")))
		assert.True(t, errors.Is(err, local.ErrPathTraversal))
	})

	t.Run("ReaderError", func(t *testing.T) {
		t.Parallel()
		_, err := store.PutObject(ctx, "broken.json", "", failingReader{})
		require.Error(t, err)
		_, statErr := os.Stat(filepath.Join(dir, "broken.json"))
		assert.True(t, os.IsNotExist(statErr))
	})
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }
