package types

import (
	"errors"
	"fmt"
)

// Error kinds visible at the core's edge (the signal router boundary).
// Everything else stays wrapped inside the component that produced it.
var (
	ErrInvalidSignal    = errors.New("invalid signal")
	ErrSymbolNotAllowed = errors.New("symbol not allowed")
	ErrNoSuchPosition   = errors.New("no such position")
	ErrSizeTooSmall     = errors.New("order size below minimum")
	ErrAdapterTimeout   = errors.New("exchange adapter timeout")
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrStoreFailed      = errors.New("position store failure")
)

// RiskGateError is returned when an open signal is blocked by a risk gate
// (cooling period, daily trade cap, daily loss cap, position cap).
// Non-retryable for this signal.
type RiskGateError struct {
	Reason string
}

func (e *RiskGateError) Error() string {
	return fmt.Sprintf("risk gate blocked: %s", e.Reason)
}

// AdapterError wraps a non-timeout exchange failure with the operation that
// produced it. Retried locally with backoff before surfacing.
type AdapterError struct {
	Op  string
	Err error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter %s: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }
