package queue

import (
	"github.com/stormlinehq/stormline/errors"
)

// Handlers classify their failures explicitly instead of the runtime
// guessing from error text. An unclassified error is treated as retryable,
// since transient faults (network, locked database) are the common case.

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Permanent marks an error as non-retryable: the job fails terminally
// regardless of its remaining attempt budget. Use for malformed payloads
// and other failures that cannot succeed on retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf is shorthand for Permanent(errors.Newf(...)).
func Permanentf(format string, args ...interface{}) error {
	return Permanent(errors.Newf(format, args...))
}

// Retryable explicitly marks an error as retryable. Unclassified errors are
// retryable already; the wrapper exists so handlers can override an inner
// Permanent classification from a lower layer.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsPermanent reports whether err is classified non-retryable.
// An outer Retryable wrapper wins over an inner Permanent one.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	for err != nil {
		switch err.(type) {
		case *retryableError:
			return false
		case *permanentError:
			return true
		}
		err = errors.Unwrap(err)
	}

	return false
}
