package blobstore

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundtrip(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	payload := []byte("MZ\x90\x00\x03")
	require.NoError(t, store.Upload(ctx, "attacks/a/sample.exe", bytes.NewReader(payload), int64(len(payload))))

	got, err := store.Download(ctx, "attacks/a/sample.exe")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	var buf bytes.Buffer
	n, err := store.DownloadTo(ctx, "attacks/a/sample.exe", &buf)
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), n)
	assert.Equal(t, payload, buf.Bytes())
}

func TestMemoryMissingObject(t *testing.T) {
	store := NewMemory()

	_, err := store.Download(context.Background(), "attacks/missing")
	require.ErrorIs(t, err, ErrNotExist)
	assert.Contains(t, err.Error(), "attacks/missing")
}

func TestMemoryDownloadReturnsCopy(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	store.Put("k", []byte("original"))
	got, err := store.Download(ctx, "k")
	require.NoError(t, err)

	// Mutating the returned slice must not corrupt the stored object.
	got[0] = 'X'
	again, err := store.Download(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "original", string(again))
}

func TestMemoryUploadReadsFully(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, "k", strings.NewReader("streamed body"), -1))
	got, err := store.Download(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "streamed body", string(got))
}
