package ledger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNetwork marks transient ledger communication failures that may be retried.
	ErrNetwork = errors.New("ledger: network error")
	// ErrRejected marks operations the ledger refused. They are never retried.
	ErrRejected = errors.New("ledger: rejected")
	// ErrAccountNotFound marks lookups of accounts that do not exist on the ledger.
	ErrAccountNotFound = errors.New("ledger: account not found")
)

// NetworkError wraps a transport or availability failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ledger: %s: network error", e.Op)
	}
	return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *NetworkError) Unwrap() error { return e.Err }

// Is matches ErrNetwork.
func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// RejectedError carries the ledger's result codes for a refused operation.
type RejectedError struct {
	Code           string
	OperationCodes []string
	Message        string
}

func (e *RejectedError) Error() string {
	parts := []string{"ledger: rejected"}
	if e.Code != "" {
		parts = append(parts, e.Code)
	}
	if len(e.OperationCodes) > 0 {
		parts = append(parts, strings.Join(e.OperationCodes, ","))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	return strings.Join(parts, ": ")
}

// Is matches ErrRejected.
func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// Rejected builds a RejectedError.
func Rejected(code, message string, opCodes ...string) *RejectedError {
	return &RejectedError{Code: code, Message: message, OperationCodes: opCodes}
}

// IsRetriable reports whether err is a transient network failure.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// ErrorCode extracts a short code suitable for persistence.
func ErrorCode(err error) string {
	var rejected *RejectedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rejected):
		if len(rejected.OperationCodes) > 0 {
			return rejected.OperationCodes[0]
		}
		if rejected.Code != "" {
			return rejected.Code
		}
		return "rejected"
	case errors.Is(err, ErrNetwork):
		return "network"
	default:
		return "internal"
	}
}
