package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrAlreadyAssigned     = errors.New("ride already assigned")
	ErrPricingUnavailable  = errors.New("pricing unavailable")
	ErrDispatchUnavailable = errors.New("dispatch unavailable")

	// ErrConflict is returned by stores when a conditional update's expected status no longer holds.
	ErrConflict = errors.New("conditional update conflict")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
