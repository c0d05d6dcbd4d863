package network

import "fmt"

// ErrorKind classifies a failed chunk transfer.
type ErrorKind int

const (
	// KindNetwork is a connection-level failure (DNS, reset, refused). Retryable.
	KindNetwork ErrorKind = iota
	// KindTimeout means the per-chunk deadline passed or the transfer was
	// cancelled. Terminal for the current retry loop.
	KindTimeout
	// KindHTTP is a non-2xx response. Retryable up to the policy limit.
	KindHTTP
	// KindApplication is an HTTP-level success whose body reports failure. Retryable.
	KindApplication
	// KindConfig is an invalid configuration. Fatal, never retried.
	KindConfig
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindHTTP:
		return "http"
	case KindApplication:
		return "application"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// TransferError is the failure attached to an unsuccessful Outcome.
type TransferError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Cause      error
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *TransferError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the retry policy may re-attempt the transfer.
// Timeouts are terminal for the current loop and config errors are fatal.
func (e *TransferError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindHTTP, KindApplication:
		return true
	default:
		return false
	}
}
