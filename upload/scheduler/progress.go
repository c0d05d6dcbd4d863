package scheduler

import (
	"sync"
	"time"

	"github.com/clipforge/go-uploadutils/upload/network"
)

// Progress is a derived snapshot of an upload job, recomputed from the
// stream of terminal chunk outcomes. It is never persisted.
type Progress struct {
	TotalChunks int
	// Uploaded counts chunks that reached a successful terminal outcome.
	Uploaded int
	InFlight int
	// Completed counts all terminal outcomes, successful or not.
	Completed int
	Failed    int
	// CurrentChunkIndex is the index of the most recent terminal chunk,
	// or -1 before the first one.
	CurrentChunkIndex int
	OverallPercent    float64
	ETASeconds        float64
	ThroughputMBps    float64
}

// ProgressFunc is invoked after every chunk's terminal outcome.
type ProgressFunc func(Progress)

const etaEpsilon = 1e-9

// aggregator recomputes Progress incrementally. onOutcome is cheap and never
// blocks; it runs synchronously after every terminal chunk outcome.
type aggregator struct {
	total      int
	totalBytes int64
	start      time.Time

	mu             sync.Mutex
	completed      int
	uploaded       int
	failed         int
	completedBytes int64
}

func newAggregator(total int, totalBytes int64) *aggregator {
	return &aggregator{
		total:      total,
		totalBytes: totalBytes,
		start:      time.Now(),
	}
}

func (a *aggregator) onOutcome(out network.Outcome, chunkSize int64, inFlight int) Progress {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.completed++
	a.completedBytes += chunkSize
	if out.Success {
		a.uploaded++
	} else {
		a.failed++
	}

	elapsed := time.Since(a.start).Seconds()
	if elapsed <= 0 {
		elapsed = etaEpsilon
	}

	completedPerSecond := float64(a.completed) / elapsed
	if completedPerSecond < etaEpsilon {
		completedPerSecond = etaEpsilon
	}

	return Progress{
		TotalChunks:       a.total,
		Uploaded:          a.uploaded,
		InFlight:          inFlight,
		Completed:         a.completed,
		Failed:            a.failed,
		CurrentChunkIndex: out.ChunkIndex,
		OverallPercent:    100 * float64(a.completed) / float64(a.total),
		ETASeconds:        float64(a.total-a.completed) / completedPerSecond,
		ThroughputMBps:    float64(a.completedBytes) / (1024 * 1024) / elapsed,
	}
}
