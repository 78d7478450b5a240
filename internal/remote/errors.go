package remote

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying: timeouts, connection
// loss, transient server errors.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix: permission
// denied, malformed payload, conversation gone.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable. Returns nil for nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked non-retryable. Anything
// not explicitly permanent is treated as transient, including context
// deadline and cancellation: a timed-out send is indistinguishable
// from network loss.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	return true
}

// Classify wraps raw transport errors that carry no marker as
// transient. Context deadline and cancellation fall through here too.
func Classify(err error) error {
	if err == nil || IsPermanent(err) {
		return err
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return Transient(err)
}
