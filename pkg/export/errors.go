package export

import "errors"

// Class splits failures into the two outcomes the consumer acts on:
// transient errors are retried up to the configured maximum, permanent
// errors are dead-lettered on first sight.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

type classifiedError struct {
	class Class
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }

func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ClassTransient, err: err}
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ClassPermanent, err: err}
}

// ClassOf returns the class attached closest to the surface of err's chain.
// Errors that were never classified (unexpected I/O, driver internals) count
// as transient: retries are bounded by the job's retry budget, while a wrong
// permanent guess would silently drop work.
func ClassOf(err error) Class {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}
	return ClassTransient
}
