package models

import (
	"errors"
	"strings"
)

// FatalMarker is the message fragment every validation violation carries.
const FatalMarker = "exceeds maximum allowed"

var (
	ErrValidation      = errors.New("input validation failed")
	ErrArtifactMissing = errors.New("input artifact not found")
)

// ValidationError is a fatal failure: retrying the same input cannot succeed.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func NewValidationError(reason string, err error) error {
	return &ValidationError{Reason: reason, Err: err}
}

// IsFatal classifies a pipeline error. The typed validation class wins;
// otherwise the fixed violation marker in the message decides.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return true
	}
	return strings.Contains(err.Error(), FatalMarker)
}
