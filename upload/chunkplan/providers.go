package chunkplan

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// Provider supplies chunk payloads for upload.
// Implementations can read from files or memory buffers.
type Provider interface {
	// NumChunks returns the total number of chunks in the plan.
	NumChunks() int

	// ChunkSize returns the size of the chunk at the given index.
	ChunkSize(index int) int64

	// GetChunk returns a reader for the chunk at the given index.
	// GetChunk may be called multiple times for the same index when a
	// transfer is retried.
	GetChunk(index int) (io.Reader, error)
}

// FileProvider reads chunk payloads from a file on disk following a plan.
// Thread-safe for parallel chunk reads.
type FileProvider struct {
	file *os.File
	plan []Range
	mu   sync.Mutex
}

// NewFileProvider opens path and serves the chunks described by plan.
func NewFileProvider(path string, plan []Range) (*FileProvider, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}

	return &FileProvider{
		file: file,
		plan: plan,
	}, nil
}

// NumChunks returns the total number of chunks.
func (p *FileProvider) NumChunks() int {
	return len(p.plan)
}

// ChunkSize returns the size of the chunk at the given index.
func (p *FileProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= len(p.plan) {
		return 0
	}
	return p.plan[index].Size
}

// GetChunk reads the chunk at the given index into memory and returns a
// reader over it, so the same chunk can be re-sent on retry.
func (p *FileProvider) GetChunk(index int) (io.Reader, error) {
	if index < 0 || index >= len(p.plan) {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, len(p.plan))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.plan[index]
	if _, err := p.file.Seek(r.StartOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to offset %d for chunk %d: %w", r.StartOffset, index, err)
	}

	payload := make([]byte, r.Size)
	n, err := io.ReadFull(p.file, payload)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}

	if n == 0 {
		return nil, fmt.Errorf("unexpected end of file at chunk %d", index)
	}

	return bytes.NewReader(payload[:n]), nil
}

// Close closes the underlying file.
func (p *FileProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// BytesProvider serves chunks of an in-memory payload following a plan.
type BytesProvider struct {
	data []byte
	plan []Range
}

// NewBytesProvider creates a Provider over a payload already in memory.
func NewBytesProvider(data []byte, plan []Range) *BytesProvider {
	return &BytesProvider{data: data, plan: plan}
}

// NumChunks returns the total number of chunks.
func (p *BytesProvider) NumChunks() int {
	return len(p.plan)
}

// ChunkSize returns the size of the chunk at the given index.
func (p *BytesProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= len(p.plan) {
		return 0
	}
	return p.plan[index].Size
}

// GetChunk returns a reader for the chunk at the given index.
func (p *BytesProvider) GetChunk(index int) (io.Reader, error) {
	if index < 0 || index >= len(p.plan) {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, len(p.plan))
	}

	r := p.plan[index]
	if r.EndOffset > int64(len(p.data)) {
		return nil, fmt.Errorf("chunk %d range [%d, %d) exceeds payload size %d", index, r.StartOffset, r.EndOffset, len(p.data))
	}

	return bytes.NewReader(p.data[r.StartOffset:r.EndOffset]), nil
}
