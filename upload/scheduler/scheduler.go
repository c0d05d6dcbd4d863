// Package scheduler orchestrates the transfer of a planned chunk sequence
// under one of two dispatch disciplines: strictly ordered fail-fast, or
// bounded-concurrency batched and fault-tolerant.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/clipforge/go-uploadutils/upload/chunkplan"
	"github.com/clipforge/go-uploadutils/upload/network"
)

// ErrInvalidConfig is returned for configurations the scheduler refuses to
// run with. It is raised immediately and never retried.
var ErrInvalidConfig = errors.New("invalid scheduler config")

// Discipline selects the dispatch strategy for the chunk sequence.
type Discipline int

const (
	// Sequential dispatches chunks strictly in index order, one at a time,
	// and stops the job on the first chunk that exhausts its retries.
	Sequential Discipline = iota
	// Parallel dispatches consecutive batches of MaxConcurrency chunks,
	// attempts every chunk, and tolerates partial failure.
	Parallel
)

func (d Discipline) String() string {
	if d == Sequential {
		return "sequential"
	}
	return "parallel"
}

// Config holds the knobs of one upload job.
type Config struct {
	Discipline Discipline

	// MaxConcurrency bounds how many chunk transfers are in flight at once
	// under the Parallel discipline. Minimum 1.
	MaxConcurrency int

	// MaxRetries is the number of re-attempts per chunk after the first try.
	MaxRetries int

	// BaseBackoff is the delay before a chunk's first retry; doubled on each
	// further retry.
	BaseBackoff time.Duration

	// ChunkTimeout derives the per-chunk deadline from the chunk size.
	// If nil, DefaultChunkTimeout is used.
	ChunkTimeout func(size int64) time.Duration

	// RetryTimedOut makes the scheduler re-invoke the whole retry loop once
	// for a chunk whose outcome was a timeout. Off by default, because a
	// timed-out chunk has already consumed its full deadline.
	RetryTimedOut bool

	// OnProgress, if set, is called after every chunk's terminal outcome.
	OnProgress ProgressFunc
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

// DefaultChunkTimeout scales the per-chunk deadline to the chunk size
// (10 seconds per MiB) with a 30 second floor.
func DefaultChunkTimeout(size int64) time.Duration {
	return network.TimeoutForSize(size, 10*time.Second, 30*time.Second)
}

// Scheduler drives a chunk plan to completion over an injected Transport.
type Scheduler struct {
	config    Config
	transport network.Transport
	logger    log.Logger
	stats     *Stats
}

// New creates a Scheduler. The transport is injected so the scheduler stays
// transport-agnostic; config problems are reported as ErrInvalidConfig.
func New(config Config, transport network.Transport, logger log.Logger) (*Scheduler, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport must not be nil", ErrInvalidConfig)
	}
	if config.Discipline == Parallel && config.MaxConcurrency < 1 {
		return nil, fmt.Errorf("%w: max concurrency must be at least 1, got %d", ErrInvalidConfig, config.MaxConcurrency)
	}
	if config.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries must not be negative, got %d", ErrInvalidConfig, config.MaxRetries)
	}
	if config.ChunkTimeout == nil {
		config.ChunkTimeout = DefaultChunkTimeout
	}

	return &Scheduler{
		config:    config,
		transport: transport,
		logger:    logger,
		stats:     NewStats(),
	}, nil
}

// Stats returns the transfer duration statistics collected so far.
func (s *Scheduler) Stats() *Stats {
	return s.stats
}

// Run transfers every chunk of the plan to a terminal outcome and combines
// the outcomes into one job result. The pipeline holds no state across runs.
func (s *Scheduler) Run(ctx context.Context, plan []chunkplan.Range, provider chunkplan.Provider, meta network.Metadata) (Result, error) {
	if len(plan) == 0 {
		return Result{}, fmt.Errorf("%w: empty chunk plan", ErrInvalidConfig)
	}
	if provider.NumChunks() != len(plan) {
		return Result{}, fmt.Errorf("%w: provider has %d chunks, plan has %d", ErrInvalidConfig, provider.NumChunks(), len(plan))
	}

	var totalBytes int64
	for _, r := range plan {
		totalBytes += r.Size
	}

	agg := newAggregator(len(plan), totalBytes)
	policy := network.NewPolicy(s.config.MaxRetries, s.config.BaseBackoff, s.logger)

	s.logger.Debugf("Dispatching %d chunks (%s discipline)", len(plan), s.config.Discipline)

	var outcomes []network.Outcome
	if s.config.Discipline == Sequential {
		outcomes = s.runSequential(ctx, plan, provider, meta, policy, agg)
	} else {
		outcomes = s.runParallel(ctx, plan, provider, meta, policy, agg)
	}

	return Combine(outcomes, s.config.Discipline), nil
}

func (s *Scheduler) runSequential(ctx context.Context, plan []chunkplan.Range, provider chunkplan.Provider, meta network.Metadata, policy network.Policy, agg *aggregator) []network.Outcome {
	outcomes := make([]network.Outcome, 0, len(plan))

	for _, r := range plan {
		out := s.dispatch(ctx, r, provider, meta, policy)
		s.emitProgress(agg, out, r.Size, 0)
		outcomes = append(outcomes, out)

		if !out.Success {
			s.logger.Warnf("Chunk %d failed terminally, stopping job: %s", r.Index, out.ErrorMessage())
			break
		}
	}

	return outcomes
}

func (s *Scheduler) runParallel(ctx context.Context, plan []chunkplan.Range, provider chunkplan.Provider, meta network.Metadata, policy network.Policy, agg *aggregator) []network.Outcome {
	outcomes := make([]network.Outcome, 0, len(plan))
	var inFlight int32

	for batchStart := 0; batchStart < len(plan); batchStart += s.config.MaxConcurrency {
		batchEnd := batchStart + s.config.MaxConcurrency
		if batchEnd > len(plan) {
			batchEnd = len(plan)
		}
		batch := plan[batchStart:batchEnd]

		s.logger.Debugf("Dispatching batch of %d chunks (%d-%d)", len(batch), batchStart, batchEnd-1)

		resultChan := make(chan network.Outcome, len(batch))
		for _, r := range batch {
			go func(r chunkplan.Range) {
				atomic.AddInt32(&inFlight, 1)
				out := s.dispatch(ctx, r, provider, meta, policy)
				n := atomic.AddInt32(&inFlight, -1)
				s.emitProgress(agg, out, r.Size, int(n))
				resultChan <- out
			}(r)
		}

		// The batch must fully terminate before the next one starts;
		// completion order within the batch is unspecified.
		for i := 0; i < len(batch); i++ {
			outcomes = append(outcomes, <-resultChan)
		}
	}

	return outcomes
}

// dispatch drives one chunk to a terminal outcome: Pending -> InFlight ->
// Succeeded, or Retrying inside the policy loop, or Failed once retries are
// exhausted. No chunk is ever dispatched twice past its terminal outcome.
func (s *Scheduler) dispatch(ctx context.Context, r chunkplan.Range, provider chunkplan.Provider, meta network.Metadata, policy network.Policy) network.Outcome {
	reader, err := provider.GetChunk(r.Index)
	if err != nil {
		return readFailure(r.Index, err)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return readFailure(r.Index, err)
	}

	chunk := network.Chunk{Range: r, Payload: payload}
	timeout := s.config.ChunkTimeout(r.Size)

	attempt := func() network.Outcome {
		return s.transport.Send(ctx, chunk, meta, timeout)
	}

	start := time.Now()
	out := policy.Execute(ctx, attempt)
	if !out.Success && network.IsTimeout(out) && s.config.RetryTimedOut {
		s.logger.Warnf("Chunk %d timed out, re-dispatching once", r.Index)
		out = policy.Execute(ctx, attempt)
	}
	// An outcome the policy synthesized without dispatching carries no index.
	out.ChunkIndex = r.Index

	if out.Success {
		took := time.Since(start)
		s.stats.Update(took)
		s.logger.Debugf("Chunk %d/%d uploaded in %v [finished=%d] [avg=%v]",
			r.Index+1, r.TotalChunks, took.Round(time.Millisecond),
			s.stats.FinishedCount(), s.stats.Average().Round(time.Millisecond))
	}
	return out
}

func readFailure(index int, err error) network.Outcome {
	return network.Outcome{
		ChunkIndex: index,
		Success:    false,
		Err: &network.TransferError{
			Kind:    network.KindConfig,
			Message: fmt.Sprintf("read chunk %d from source: %s", index, err),
			Cause:   err,
		},
	}
}

func (s *Scheduler) emitProgress(agg *aggregator, out network.Outcome, chunkSize int64, inFlight int) {
	progress := agg.onOutcome(out, chunkSize, inFlight)
	if s.config.OnProgress != nil {
		s.config.OnProgress(progress)
	}
}
