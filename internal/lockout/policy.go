// Package lockout implements the progressive account lockout policy as a
// pure decision function. It performs no I/O; callers load the current
// login state, evaluate, and persist the result inside their own
// transaction.
package lockout

import (
	"time"

	"github.com/BradenHooton/rampart/internal/models"
)

// Policy holds the tunables for progressive lockout.
type Policy struct {
	// MaxFailedLogins is the number of failures per block that triggers a lockout.
	MaxFailedLogins int

	// BaseLockoutDuration is the length of the first lockout window.
	BaseLockoutDuration time.Duration

	// ProgressiveMultiplier scales each successive lockout window.
	ProgressiveMultiplier int
}

// Default returns the standard policy: five failures lock the account for
// fifteen minutes, doubling with each further block of five.
func Default() Policy {
	return Policy{
		MaxFailedLogins:       5,
		BaseLockoutDuration:   15 * time.Minute,
		ProgressiveMultiplier: 2,
	}
}

// EvaluateFailedLogin computes the next login state after one more failure.
//
// A lockout is imposed exactly when the new counter reaches a positive
// multiple of MaxFailedLogins; the window for block n is
// BaseLockoutDuration * ProgressiveMultiplier^(n-1). Failures during an
// active lockout increment the counter but never move the lockout
// deadline. The counter restarts at 1 only for a stale window: a previous
// lockout has fully elapsed and the last failure is at least one base
// duration old, so an old spree does not inflate the penalty for a fresh
// one.
func (p Policy) EvaluateFailedLogin(current models.LoginState, now time.Time) models.LoginState {
	attempts := current.FailedLoginAttempts + 1
	if p.windowStale(current, now) {
		attempts = 1
	}

	next := models.LoginState{
		FailedLoginAttempts: attempts,
		AccountLockedUntil:  current.AccountLockedUntil,
		LastFailedLogin:     &now,
	}

	if p.MaxFailedLogins > 0 && attempts >= p.MaxFailedLogins && attempts%p.MaxFailedLogins == 0 {
		lockedUntil := now.Add(p.lockoutDuration(attempts))
		next.AccountLockedUntil = &lockedUntil
	}

	return next
}

// RemainingAttempts reports how many failures are left before the next
// lockout. Zero while a lockout is active.
func (p Policy) RemainingAttempts(state models.LoginState, now time.Time) int {
	if state.AccountLockedUntil != nil && state.AccountLockedUntil.After(now) {
		return 0
	}
	if p.MaxFailedLogins <= 0 {
		return 0
	}
	return p.MaxFailedLogins - state.FailedLoginAttempts%p.MaxFailedLogins
}

// lockoutDuration returns the window length for the block the counter just
// completed: base, base*m, base*m^2, ...
func (p Policy) lockoutDuration(attempts int) time.Duration {
	duration := p.BaseLockoutDuration
	for blocks := attempts/p.MaxFailedLogins - 1; blocks > 0; blocks-- {
		duration *= time.Duration(p.ProgressiveMultiplier)
	}
	return duration
}

// windowStale reports whether the previous failure spree should no longer
// count: its lockout has been served and the trail has gone cold.
func (p Policy) windowStale(current models.LoginState, now time.Time) bool {
	if current.AccountLockedUntil == nil || current.AccountLockedUntil.After(now) {
		return false
	}
	if current.LastFailedLogin == nil {
		return true
	}
	return now.Sub(*current.LastFailedLogin) >= p.BaseLockoutDuration
}
