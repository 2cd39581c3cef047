// Package domain holds the error taxonomy and value types shared by the
// settlement components.
package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad caller input. Nothing is persisted when it is returned.
	ErrValidation = errors.New("settlement: validation failed")
	// ErrInvalidState marks an operation against a record in the wrong or a terminal state.
	ErrInvalidState = errors.New("settlement: invalid state")
	// ErrUnauthorized marks a caller lacking the capability for an action.
	ErrUnauthorized = errors.New("settlement: unauthorized")
	// ErrDuplicateHash marks an attempt to assign a ledger hash already owned by another row.
	ErrDuplicateHash = errors.New("settlement: duplicate ledger hash")
	// ErrNotFound marks a missing record.
	ErrNotFound = errors.New("settlement: not found")
)

// Validationf wraps ErrValidation with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// InvalidStatef wraps ErrInvalidState with a formatted reason.
func InvalidStatef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
