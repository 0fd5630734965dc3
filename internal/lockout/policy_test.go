package lockout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/rampart/internal/models"
)

func TestEvaluateFailedLogin_ProgressiveLadder(t *testing.T) {
	policy := Default()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	state := models.LoginState{}

	// Attempts 1 through 4 count failures without locking.
	for i := 1; i <= 4; i++ {
		state = policy.EvaluateFailedLogin(state, now)
		assert.Equal(t, i, state.FailedLoginAttempts)
		assert.Nil(t, state.AccountLockedUntil, "attempt %d should not lock", i)
		now = now.Add(time.Second)
	}

	// The fifth failure imposes the base lockout.
	state = policy.EvaluateFailedLogin(state, now)
	require.NotNil(t, state.AccountLockedUntil)
	assert.Equal(t, 5, state.FailedLoginAttempts)
	assert.Equal(t, now.Add(15*time.Minute), *state.AccountLockedUntil)

	lockedUntil := *state.AccountLockedUntil

	// Failures 6 through 9 during the active lockout keep counting but never
	// move the deadline.
	for i := 6; i <= 9; i++ {
		now = now.Add(time.Second)
		state = policy.EvaluateFailedLogin(state, now)
		assert.Equal(t, i, state.FailedLoginAttempts)
		require.NotNil(t, state.AccountLockedUntil)
		assert.Equal(t, lockedUntil, *state.AccountLockedUntil, "attempt %d moved the deadline", i)
	}

	// The tenth failure, shortly after the first lockout elapses, doubles
	// the window.
	now = lockedUntil.Add(time.Second)
	state = policy.EvaluateFailedLogin(state, now)
	assert.Equal(t, 10, state.FailedLoginAttempts)
	require.NotNil(t, state.AccountLockedUntil)
	assert.Equal(t, now.Add(30*time.Minute), *state.AccountLockedUntil)
}

func TestEvaluateFailedLogin_ThirdBlockQuadruples(t *testing.T) {
	policy := Default()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	prevLock := now.Add(-time.Minute)
	lastFail := now.Add(-2 * time.Minute)
	state := models.LoginState{
		FailedLoginAttempts: 14,
		AccountLockedUntil:  &prevLock,
		LastFailedLogin:     &lastFail,
	}

	state = policy.EvaluateFailedLogin(state, now)
	assert.Equal(t, 15, state.FailedLoginAttempts)
	require.NotNil(t, state.AccountLockedUntil)
	assert.Equal(t, now.Add(60*time.Minute), *state.AccountLockedUntil)
}

func TestEvaluateFailedLogin_StaleWindowResets(t *testing.T) {
	policy := Default()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Lockout served hours ago, last failure long cold.
	prevLock := now.Add(-3 * time.Hour)
	lastFail := now.Add(-4 * time.Hour)
	state := models.LoginState{
		FailedLoginAttempts: 9,
		AccountLockedUntil:  &prevLock,
		LastFailedLogin:     &lastFail,
	}

	state = policy.EvaluateFailedLogin(state, now)
	assert.Equal(t, 1, state.FailedLoginAttempts)
	require.NotNil(t, state.AccountLockedUntil)
	assert.True(t, state.AccountLockedUntil.Before(now), "stale lock timestamp carries over but stays in the past")
}

func TestEvaluateFailedLogin_RecentFailureKeepsWindow(t *testing.T) {
	policy := Default()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Lockout elapsed but the last failure was only five minutes ago, so
	// the spree is still warm and the counter keeps climbing.
	prevLock := now.Add(-time.Minute)
	lastFail := now.Add(-5 * time.Minute)
	state := models.LoginState{
		FailedLoginAttempts: 7,
		AccountLockedUntil:  &prevLock,
		LastFailedLogin:     &lastFail,
	}

	state = policy.EvaluateFailedLogin(state, now)
	assert.Equal(t, 8, state.FailedLoginAttempts)
}

func TestEvaluateFailedLogin_StampsLastFailure(t *testing.T) {
	policy := Default()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	state := policy.EvaluateFailedLogin(models.LoginState{}, now)
	require.NotNil(t, state.LastFailedLogin)
	assert.Equal(t, now, *state.LastFailedLogin)
}

func TestRemainingAttempts(t *testing.T) {
	policy := Default()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		state    models.LoginState
		expected int
	}{
		{
			name:     "fresh account",
			state:    models.LoginState{},
			expected: 5,
		},
		{
			name:     "three failures",
			state:    models.LoginState{FailedLoginAttempts: 3},
			expected: 2,
		},
		{
			name: "actively locked",
			state: models.LoginState{
				FailedLoginAttempts: 5,
				AccountLockedUntil:  timePtr(now.Add(10 * time.Minute)),
			},
			expected: 0,
		},
		{
			name: "lock elapsed, second block in progress",
			state: models.LoginState{
				FailedLoginAttempts: 7,
				AccountLockedUntil:  timePtr(now.Add(-time.Minute)),
			},
			expected: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, policy.RemainingAttempts(tt.state, now))
		})
	}
}

func TestEvaluateFailedLogin_CustomPolicy(t *testing.T) {
	policy := Policy{
		MaxFailedLogins:       3,
		BaseLockoutDuration:   5 * time.Minute,
		ProgressiveMultiplier: 3,
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	state := models.LoginState{FailedLoginAttempts: 2}
	state = policy.EvaluateFailedLogin(state, now)
	require.NotNil(t, state.AccountLockedUntil)
	assert.Equal(t, now.Add(5*time.Minute), *state.AccountLockedUntil)

	// Second block triples.
	prevLock := now.Add(-time.Second)
	lastFail := now.Add(-time.Second)
	state = models.LoginState{
		FailedLoginAttempts: 5,
		AccountLockedUntil:  &prevLock,
		LastFailedLogin:     &lastFail,
	}
	state = policy.EvaluateFailedLogin(state, now)
	require.NotNil(t, state.AccountLockedUntil)
	assert.Equal(t, now.Add(15*time.Minute), *state.AccountLockedUntil)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
