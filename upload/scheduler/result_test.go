package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clipforge/go-uploadutils/upload/network"
)

func outcome(index int, success bool) network.Outcome {
	out := network.Outcome{ChunkIndex: index, Success: success}
	if !success {
		out.Err = &network.TransferError{Kind: network.KindHTTP, StatusCode: 500, Message: "boom"}
	}
	return out
}

func TestCombine_OrdersByChunkIndex(t *testing.T) {
	result := Combine([]network.Outcome{
		outcome(3, true),
		outcome(0, true),
		outcome(2, false),
		outcome(1, true),
	}, Parallel)

	for i, out := range result.Outcomes {
		assert.Equal(t, i, out.ChunkIndex)
	}
}

func TestCombine_Thresholds(t *testing.T) {
	tests := []struct {
		name        string
		discipline  Discipline
		successes   int
		failures    int
		wantSuccess bool
	}{
		{"sequential all succeeded", Sequential, 5, 0, true},
		{"sequential any failure fails", Sequential, 4, 1, false},
		{"parallel no failures", Parallel, 5, 0, true},
		{"parallel minority failed", Parallel, 4, 1, true},
		{"parallel exactly half failed", Parallel, 2, 2, true},
		{"parallel majority failed", Parallel, 2, 3, false},
		{"parallel all failed", Parallel, 0, 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var outcomes []network.Outcome
			index := 0
			for i := 0; i < tt.successes; i++ {
				outcomes = append(outcomes, outcome(index, true))
				index++
			}
			for i := 0; i < tt.failures; i++ {
				outcomes = append(outcomes, outcome(index, false))
				index++
			}

			result := Combine(outcomes, tt.discipline)

			assert.Equal(t, tt.wantSuccess, result.Success)
			assert.Equal(t, tt.successes+tt.failures, result.ChunksAttempted)
			assert.Equal(t, tt.successes, result.ChunksSucceeded)
			assert.Equal(t, tt.failures, result.ChunksFailed)
			assert.NotEmpty(t, result.Message)
		})
	}
}

func TestCombine_Empty(t *testing.T) {
	result := Combine(nil, Parallel)

	assert.False(t, result.Success)
	assert.Equal(t, 0, result.ChunksAttempted)
	assert.Equal(t, "no chunks were attempted", result.Message)
}

func TestCombine_FailureMessageNamesFirstFailedChunk(t *testing.T) {
	result := Combine([]network.Outcome{
		outcome(0, true),
		outcome(1, false),
	}, Sequential)

	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "chunk 1")
	assert.Contains(t, result.Message, "boom")
}
