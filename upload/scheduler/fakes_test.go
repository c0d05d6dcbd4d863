package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clipforge/go-uploadutils/upload/network"
)

// fakeTransport scripts per-chunk outcomes and records dispatch behavior.
type fakeTransport struct {
	// permanentFail chunks fail on every attempt.
	permanentFail map[int]bool
	// transientFail chunks fail this many times, then succeed.
	transientFail map[int]int
	// timeoutChunks always produce a timeout outcome.
	timeoutChunks map[int]bool
	// delay simulates transfer time.
	delay time.Duration

	mu          sync.Mutex
	calls       map[int]int
	inFlight    int32
	maxInFlight int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		permanentFail: map[int]bool{},
		transientFail: map[int]int{},
		timeoutChunks: map[int]bool{},
		calls:         map[int]int{},
	}
}

func (f *fakeTransport) callCount(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[index]
}

func (f *fakeTransport) Send(ctx context.Context, chunk network.Chunk, meta network.Metadata, timeout time.Duration) network.Outcome {
	current := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if current <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, current) {
			break
		}
	}
	defer atomic.AddInt32(&f.inFlight, -1)

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.calls[chunk.Index]++
	calls := f.calls[chunk.Index]
	permanent := f.permanentFail[chunk.Index]
	transient := f.transientFail[chunk.Index]
	timesOut := f.timeoutChunks[chunk.Index]
	f.mu.Unlock()

	if timesOut {
		return network.Outcome{
			ChunkIndex: chunk.Index,
			Success:    false,
			Latency:    timeout,
			Err: &network.TransferError{
				Kind:    network.KindTimeout,
				Message: "deadline exceeded",
			},
		}
	}

	if permanent || calls <= transient {
		return network.Outcome{
			ChunkIndex: chunk.Index,
			Success:    false,
			StatusCode: 500,
			Err: &network.TransferError{
				Kind:       network.KindHTTP,
				StatusCode: 500,
				Message:    "internal server error",
			},
		}
	}

	return network.Outcome{
		ChunkIndex: chunk.Index,
		Success:    true,
		StatusCode: 200,
	}
}
