package models

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed request. It is rejected and never retried.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a missing request, routing or client row.
	ErrNotFound = errors.New("not found")
	// ErrTransient marks a store or network failure that is safe to retry as a whole unit.
	ErrTransient = errors.New("transient failure")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
