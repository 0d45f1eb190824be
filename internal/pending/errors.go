package pending

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for registry operations.
var (
	// ErrTimeout matches every *TimeoutError via errors.Is
	ErrTimeout = errors.New("request timed out")

	// ErrDisposed matches every *DisposedError via errors.Is
	ErrDisposed = errors.New("request disposed")

	// ErrDuplicateID is returned when registering an id that is still live
	ErrDuplicateID = errors.New("request id already pending")

	// ErrRegistryClosed is returned when registering on a closed registry
	ErrRegistryClosed = errors.New("registry is closed")
)

// TimeoutError is the rejection produced when a request's budget elapses
// before it is resolved or rejected.
type TimeoutError struct {
	Registry string
	ID       string
	Budget   time.Duration
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s request %s timed out after %v (budget %v)", e.Registry, e.ID, e.Elapsed.Round(time.Millisecond), e.Budget)
}

// Is reports whether target is ErrTimeout
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// DisposedError rejects every request still pending when its registry closes
type DisposedError struct {
	Registry string
	ID       string
	Cause    error
}

func (e *DisposedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s request %s disposed: %v", e.Registry, e.ID, e.Cause)
	}
	return fmt.Sprintf("%s request %s disposed", e.Registry, e.ID)
}

// Is reports whether target is ErrDisposed
func (e *DisposedError) Is(target error) bool {
	return target == ErrDisposed
}

func (e *DisposedError) Unwrap() error { return e.Cause }
