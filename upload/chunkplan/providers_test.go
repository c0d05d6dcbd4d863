package chunkplan

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesProvider(t *testing.T) {
	payload := []byte("0123456789abcdefghij")
	plan, err := Plan(int64(len(payload)), 8)
	require.NoError(t, err)

	provider := NewBytesProvider(payload, plan)

	require.Equal(t, 3, provider.NumChunks())
	assert.Equal(t, int64(8), provider.ChunkSize(0))
	assert.Equal(t, int64(8), provider.ChunkSize(1))
	assert.Equal(t, int64(4), provider.ChunkSize(2))

	var reassembled bytes.Buffer
	for i := 0; i < provider.NumChunks(); i++ {
		reader, err := provider.GetChunk(i)
		require.NoError(t, err)
		_, err = io.Copy(&reassembled, reader)
		require.NoError(t, err)
	}
	assert.Equal(t, payload, reassembled.Bytes())

	_, err = provider.GetChunk(-1)
	assert.Error(t, err)
	_, err = provider.GetChunk(3)
	assert.Error(t, err)
	assert.Equal(t, int64(0), provider.ChunkSize(99))
}

func TestFileProvider(t *testing.T) {
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, payload, 0600))

	plan, err := Plan(int64(len(payload)), 300)
	require.NoError(t, err)

	provider, err := NewFileProvider(path, plan)
	require.NoError(t, err)
	defer provider.Close() //nolint:errcheck

	require.Equal(t, 4, provider.NumChunks())
	assert.Equal(t, int64(100), provider.ChunkSize(3))

	// Reading the same chunk twice must yield identical data (retry support).
	first, err := provider.GetChunk(1)
	require.NoError(t, err)
	firstData, err := io.ReadAll(first)
	require.NoError(t, err)

	second, err := provider.GetChunk(1)
	require.NoError(t, err)
	secondData, err := io.ReadAll(second)
	require.NoError(t, err)

	assert.Equal(t, payload[300:600], firstData)
	assert.Equal(t, firstData, secondData)

	_, err = provider.GetChunk(4)
	assert.Error(t, err)
}

func TestFileProvider_MissingFile(t *testing.T) {
	plan, err := Plan(10, 5)
	require.NoError(t, err)

	_, err = NewFileProvider(filepath.Join(t.TempDir(), "does-not-exist"), plan)
	assert.Error(t, err)
}
