package types

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameters       = errors.New("invalid parameters")
	ErrSourceUnreadable        = errors.New("source unreadable")
	ErrNoDecodableTrack        = errors.New("no decodable video track")
	ErrAllocationFailure       = errors.New("allocation failure")
	ErrSinkSetupFailed         = errors.New("sink setup failed")
	ErrCancelled               = errors.New("cancelled")
	ErrPartialSourceExhaustion = errors.New("source exhausted before plan completed")
)

// ExhaustionError reports a source that yielded fewer samples than planned.
// It is not fatal: the run continues with Actual samples.
type ExhaustionError struct {
	Planned int
	Actual  int
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("%v: planned %d samples, got %d", ErrPartialSourceExhaustion, e.Planned, e.Actual)
}

func (e *ExhaustionError) Is(target error) bool {
	return target == ErrPartialSourceExhaustion
}

// Cancelled wraps the context cause so both ErrCancelled and the cause match errors.Is.
func Cancelled(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
