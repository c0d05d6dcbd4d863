// Package chunkplan partitions a byte source into an ordered sequence of
// contiguous, non-overlapping ranges for chunked upload.
package chunkplan

import (
	"errors"
	"fmt"
)

// ErrInvalidChunkSize is returned when the requested chunk size is not positive.
var ErrInvalidChunkSize = errors.New("chunk size must be greater than zero")

// Range describes one chunk's position within the source payload.
type Range struct {
	Index       int
	TotalChunks int
	StartOffset int64
	// EndOffset is exclusive: the chunk covers [StartOffset, EndOffset).
	EndOffset int64
	Size      int64
	IsLast    bool
}

// Plan partitions a source of sourceSize bytes into ceil(sourceSize/chunkSize)
// ranges. Every range except the last has exactly chunkSize bytes; the last
// one holds the remainder. A source at or below one chunk size yields a
// single-range plan.
func Plan(sourceSize, chunkSize int64) ([]Range, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}
	if sourceSize <= 0 {
		return nil, fmt.Errorf("source size must be greater than zero, got %d", sourceSize)
	}

	numChunks := int((sourceSize + chunkSize - 1) / chunkSize)

	ranges := make([]Range, 0, numChunks)
	for i := 0; i < numChunks; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > sourceSize {
			end = sourceSize
		}
		ranges = append(ranges, Range{
			Index:       i,
			TotalChunks: numChunks,
			StartOffset: start,
			EndOffset:   end,
			Size:        end - start,
			IsLast:      i == numChunks-1,
		})
	}

	return ranges, nil
}

// OptimalChunkSizeBytes calculates a chunk size for the given payload size and
// concurrency, keeping chunks between 8 MB and 100 MB and halving oversized
// chunks to improve parallelism.
func OptimalChunkSizeBytes(totalSize int64, concurrency int) int64 {
	return int64(optimalChunkSizeBytes(uint64(totalSize), 8*1024*1024, 100*1024*1024, uint64(concurrency)))
}

func optimalChunkSizeBytes(totalSize, min, max, concurrency uint64) uint64 {
	cs := totalSize / concurrency

	if cs >= 100*1024*1024 {
		cs = cs / 2
	}

	if cs < min {
		cs = min
	}

	if max > 0 && cs > max {
		cs = max
	}

	return cs
}
