package retry

import (
	"context"
	"errors"
	"net"
)

// Recoverable is implemented by errors that know whether repeating the
// failed store operation can succeed.
type Recoverable interface {
	error
	IsRecoverable() bool
}

type classifiedError struct {
	err         error
	recoverable bool
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

func (e *classifiedError) IsRecoverable() bool {
	return e.recoverable
}

// NewRecoverableError marks err as transient: lock contention, serialization
// conflicts, a database that is not accepting connections yet.
func NewRecoverableError(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, recoverable: true}
}

// NewNonRecoverableError marks err as final, e.g. a constraint violation.
// It wins over any classification of the errors it wraps.
func NewNonRecoverableError(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, recoverable: false}
}

// IsRecoverable reports whether an operation that failed with err is worth
// repeating. The outermost classified error decides; unclassified errors are
// retried only for deadlines and network timeouts.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var classified Recoverable
	if errors.As(err, &classified) {
		return classified.IsRecoverable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
