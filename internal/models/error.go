package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Security operation errors
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrAccountLocked         = errors.New("account is temporarily locked")
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	ErrWeakPassword          = errors.New("password does not meet requirements")
)

// AccountLockedError carries the unlock timestamp alongside the lockout condition.
// errors.Is(err, ErrAccountLocked) matches it.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account is locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *AccountLockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// TransactionError wraps an underlying datastore failure so callers can
// distinguish "operation failed" from domain outcomes without string matching.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction failed during %s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}
