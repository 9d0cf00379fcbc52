// Package errs classifies coordinator errors.
//
// Guard-skips are not errors at all. Permanent errors (bad configuration, unknown enum
// values, undecodable payloads) are returned to the caller but must not be redelivered.
// Everything else is transient and left to the bus or job runner to retry.
package errs

import (
	"errors"
)

var (
	// ErrPermanent marks an error that redelivery cannot fix
	ErrPermanent = errors.New("permanent failure")

	// ErrNotFound is returned when a registry record does not exist
	ErrNotFound = errors.New("not found")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

func (e *permanentError) Is(target error) bool {
	return target == ErrPermanent
}

// Permanent wraps err so that IsPermanent reports true for it and anything wrapping it
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err must not be retried
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
