package scheduler

import (
	"fmt"
	"sort"

	"github.com/clipforge/go-uploadutils/upload/network"
)

// Result is the job-level outcome handed back to the caller.
type Result struct {
	Success         bool
	Message         string
	ChunksAttempted int
	ChunksSucceeded int
	ChunksFailed    int
	// Outcomes holds one terminal outcome per attempted chunk, ordered by
	// chunk index regardless of completion order.
	Outcomes []network.Outcome
}

// Combine merges per-chunk outcomes into one job result.
//
// Under the Sequential discipline the job succeeds only if every attempted
// chunk succeeded; dispatch halts on the first failure, so a failed outcome
// is always the last one. Under the Parallel discipline partial results are
// still usable: the job fails only when strictly more than half of the
// attempted chunks failed.
func Combine(outcomes []network.Outcome, discipline Discipline) Result {
	sorted := make([]network.Outcome, len(outcomes))
	copy(sorted, outcomes)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ChunkIndex < sorted[j].ChunkIndex
	})

	succeeded := 0
	failed := 0
	var firstErr *network.TransferError
	var firstErrIndex int
	for _, out := range sorted {
		if out.Success {
			succeeded++
			continue
		}
		failed++
		if firstErr == nil {
			firstErr = out.Err
			firstErrIndex = out.ChunkIndex
		}
	}
	attempted := len(sorted)

	result := Result{
		ChunksAttempted: attempted,
		ChunksSucceeded: succeeded,
		ChunksFailed:    failed,
		Outcomes:        sorted,
	}

	switch discipline {
	case Sequential:
		result.Success = attempted > 0 && failed == 0
	default:
		result.Success = attempted > 0 && failed*2 <= attempted
	}

	if result.Success {
		result.Message = fmt.Sprintf("%d/%d chunks uploaded successfully", succeeded, attempted)
	} else if firstErr != nil {
		result.Message = fmt.Sprintf("%d/%d chunks uploaded, chunk %d: %s", succeeded, attempted, firstErrIndex, firstErr)
	} else {
		result.Message = "no chunks were attempted"
	}

	return result
}
