package retry

import (
	"context"
	"errors"
	"net"
)

// RecoverableError is implemented by errors that know whether the failed
// operation may succeed when tried again.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether err is worth retrying. Errors implementing
// RecoverableError decide for themselves. Otherwise deadlines and network
// timeouts are recoverable and everything else is not.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Recoverable marks err as worth retrying.
func Recoverable(err error) error {
	return &markedError{err: err, recoverable: true}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return &markedError{err: err}
}

type markedError struct {
	err         error
	recoverable bool
}

func (e *markedError) Error() string       { return e.err.Error() }
func (e *markedError) Unwrap() error       { return e.err }
func (e *markedError) IsRecoverable() bool { return e.recoverable }
