package reservation

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable means the item has no free units to borrow
	ErrUnavailable = errors.New("item unavailable")

	// ErrAlreadyReturned means the loan was settled before this return
	ErrAlreadyReturned = errors.New("loan already returned")

	// ErrNotCancellable means the order has passed the point of cancellation
	ErrNotCancellable = errors.New("order can no longer be cancelled")
)

// ValidationError rejects malformed input before any state changes.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
