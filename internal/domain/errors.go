package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownFeedbackType = errors.New("unknown feedback type")
	ErrInvalidFeedback     = errors.New("invalid feedback")
	ErrValidatorRejection  = errors.New("transition rejected by validator")
)

// RejectionError is returned by a TransitionValidator that refuses a delta.
// Any other validator error is treated as a validator failure, not a reject.
type RejectionError struct {
	Delta  TransitionDelta
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("transition %s->%s rejected: %s", e.Delta.Source, e.Delta.Target, e.Reason)
}

func (e *RejectionError) Unwrap() error { return ErrValidatorRejection }

func Reject(d TransitionDelta, reason string) error {
	return &RejectionError{Delta: d, Reason: reason}
}
