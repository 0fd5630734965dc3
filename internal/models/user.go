package models

import (
	"time"
)

type User struct {
	ID                  string
	Email               string
	FirstName           string
	LastName            string
	PasswordHash        string
	FailedLoginAttempts int
	AccountLockedUntil  *time.Time
	LastFailedLogin     *time.Time
	LastPasswordReset   *time.Time
	LastSuccessfulLogin *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsLocked reports whether the account is under an active lockout at the given instant.
func (u *User) IsLocked(now time.Time) bool {
	return u.AccountLockedUntil != nil && u.AccountLockedUntil.After(now)
}

// LoginState is the slice of the user row read and written by the lockout path.
type LoginState struct {
	FailedLoginAttempts int
	AccountLockedUntil  *time.Time
	LastFailedLogin     *time.Time
}
