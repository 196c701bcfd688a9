package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndOpen(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	content := "customer_id,name\n123,Ada\n"
	path, checksum, size, err := store.Save(ctx, "customers_1.csv", strings.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)

	expected := sha256.Sum256([]byte(content))
	assert.Equal(t, hex.EncodeToString(expected[:]), checksum)

	r, err := store.Open(ctx, path)
	require.NoError(t, err)
	defer r.Close()
	read, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, string(read))
}

func TestDelete(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	path, _, _, err := store.Save(ctx, "orders_1.csv", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, path))
	_, err = store.Open(ctx, path)
	assert.Error(t, err)

	// Deleting an already deleted file is not an error
	assert.NoError(t, store.Delete(ctx, path))
}

func TestSanitizeName(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	path, _, _, err := store.Save(ctx, "../../etc/passwd", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Dir(path), filepath.Clean(filepath.Dir(path)))
	assert.NotContains(t, filepath.Base(path), "/")
	assert.True(t, strings.HasSuffix(path, "_passwd"))
}
