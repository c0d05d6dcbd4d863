package network

import (
	"context"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Policy wraps a single chunk transfer with bounded retries and exponential
// backoff. Only retryable failures are re-attempted; a timeout outcome is
// terminal for the loop so already-expensive waits do not compound.
type Policy struct {
	// MaxRetries is the number of re-attempts after the first try.
	MaxRetries int

	// BaseBackoff is the delay before the first retry; each further retry
	// doubles it.
	BaseBackoff time.Duration

	Logger log.Logger

	// sleep is a test seam; nil means time.Sleep.
	sleep func(time.Duration)
}

// NewPolicy creates a retry policy.
func NewPolicy(maxRetries int, baseBackoff time.Duration, logger log.Logger) Policy {
	return Policy{
		MaxRetries:  maxRetries,
		BaseBackoff: baseBackoff,
		Logger:      logger,
	}
}

// Execute runs attempt until it succeeds, fails terminally, or MaxRetries
// re-attempts are exhausted. The last outcome is returned unchanged.
func (p Policy) Execute(ctx context.Context, attempt func() Outcome) Outcome {
	sleep := p.sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var out Outcome
	for try := 0; try <= p.MaxRetries; try++ {
		if try > 0 {
			backoff := p.BaseBackoff << uint(try-1)
			if p.Logger != nil {
				p.Logger.Warnf("Chunk %d attempt %d failed: %s; retrying after %s",
					out.ChunkIndex, try, out.ErrorMessage(), backoff)
			}
			sleep(backoff)
		}

		if ctx.Err() != nil {
			if try > 0 {
				return out
			}
			return Outcome{
				Success: false,
				Err: &TransferError{
					Kind:    KindTimeout,
					Message: "transfer cancelled before dispatch",
					Cause:   ctx.Err(),
				},
			}
		}

		out = attempt()
		if out.Success {
			return out
		}
		if out.Err != nil && !out.Err.Retryable() {
			return out
		}
	}

	return out
}
