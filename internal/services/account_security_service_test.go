package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/rampart/internal/models"
	pkgauth "github.com/BradenHooton/rampart/pkg/auth"
)

type securityFixture struct {
	svc    *AccountSecurityService
	users  *memoryUserStore
	tokens *memoryTokenStore
	audit  *MockAuditRecorder
	email  *MockEmailService
	clock  *FakeClock
}

// newSecurityFixture wires the service against in-memory stores. The
// transaction runner serializes on the user store's mutex the way a row
// lock would.
func newSecurityFixture(t *testing.T, users ...*models.User) *securityFixture {
	t.Helper()

	store := newMemoryUserStore(users...)
	tokens := newMemoryTokenStore()
	audit := &MockAuditRecorder{}
	email := &MockEmailService{}
	clk := NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	tx := &MockTxRunner{
		WithTransactionFunc: func(ctx context.Context, fn func(pgx.Tx) error) error {
			store.Lock()
			defer store.Unlock()
			return fn(nil)
		},
	}

	svc := NewAccountSecurityService(
		store, tokens, audit, email, tx,
		TestSecurityConfig(), TestEmailConfig(), clk, discardLogger(),
	)

	return &securityFixture{
		svc:    svc,
		users:  store,
		tokens: tokens,
		audit:  audit,
		email:  email,
		clock:  clk,
	}
}

func TestInitiatePasswordReset_KnownUser(t *testing.T) {
	user := NewTestUser("user_1", "jane@example.com", "Jane")
	f := newSecurityFixture(t, user)

	result, err := f.svc.InitiatePasswordReset(context.Background(), "Jane@Example.com ", "192.0.2.1", "test-agent")
	require.NoError(t, err)
	assert.True(t, result.EmailSent)
	assert.Equal(t, 60, result.ExpiresInMinutes)

	require.Len(t, f.email.Sent, 1)
	assert.Equal(t, "jane@example.com", f.email.Sent[0].To)
	assert.Contains(t, f.email.Sent[0].ResetURL, "https://app.example.com/reset-password?token=")

	require.Len(t, f.audit.Entries, 1)
	entry := f.audit.Entries[0]
	assert.Equal(t, models.AuditActionPasswordResetRequested, entry.Action)
	assert.True(t, entry.Success)
	assert.Equal(t, "user_1", *entry.UserID)
	assert.Equal(t, true, entry.Details["email_sent"])
}

func TestInitiatePasswordReset_UnknownEmailGetsGenericResponse(t *testing.T) {
	f := newSecurityFixture(t)

	result, err := f.svc.InitiatePasswordReset(context.Background(), "nobody@example.com", "", "")
	require.NoError(t, err)
	assert.False(t, result.EmailSent)
	assert.Equal(t, 60, result.ExpiresInMinutes)
	assert.Empty(t, f.email.Sent)
	assert.Empty(t, f.audit.Entries)
}

func TestInitiatePasswordReset_MalformedEmailGetsGenericResponse(t *testing.T) {
	f := newSecurityFixture(t)

	result, err := f.svc.InitiatePasswordReset(context.Background(), "not-an-address", "", "")
	require.NoError(t, err)
	assert.False(t, result.EmailSent)
	assert.Empty(t, f.email.Sent)
}

func TestInitiatePasswordReset_LockedAccountRejected(t *testing.T) {
	user := NewTestUser("user_1", "jane@example.com", "Jane")
	f := newSecurityFixture(t, user)

	lockedUntil := f.clock.Now().Add(10 * time.Minute)
	user.AccountLockedUntil = &lockedUntil

	_, err := f.svc.InitiatePasswordReset(context.Background(), "jane@example.com", "", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAccountLocked)

	var lockedErr *models.AccountLockedError
	require.ErrorAs(t, err, &lockedErr)
	assert.Equal(t, lockedUntil, lockedErr.Until)
}

func TestInitiatePasswordReset_RateLimited(t *testing.T) {
	user := NewTestUser("user_1", "jane@example.com", "Jane")
	f := newSecurityFixture(t, user)

	for i := 0; i < 5; i++ {
		_, err := f.svc.InitiatePasswordReset(context.Background(), "jane@example.com", "", "")
		require.NoError(t, err, "request %d should be admitted", i+1)
		f.clock.Advance(time.Minute)
	}

	_, err := f.svc.InitiatePasswordReset(context.Background(), "jane@example.com", "", "")
	assert.ErrorIs(t, err, models.ErrRateLimited)

	// The window slides: an hour later the oldest requests have aged out.
	f.clock.Advance(time.Hour)
	_, err = f.svc.InitiatePasswordReset(context.Background(), "jane@example.com", "", "")
	assert.NoError(t, err)
}

func TestInitiatePasswordReset_EmailFailureLeavesTokenValid(t *testing.T) {
	user := NewTestUser("user_1", "jane@example.com", "Jane")
	f := newSecurityFixture(t, user)
	f.email.SendErr = errors.New("ses unavailable")

	result, err := f.svc.InitiatePasswordReset(context.Background(), "jane@example.com", "", "")
	require.NoError(t, err)
	assert.False(t, result.EmailSent)

	require.Len(t, f.audit.Entries, 1)
	assert.Equal(t, false, f.audit.Entries[0].Details["email_sent"])

	// The issued token still counts against the window and stays redeemable.
	require.Len(t, f.tokens.tokens, 1)
	_, err = f.svc.VerifyResetToken(context.Background(), f.tokens.tokens[0].Token)
	assert.NoError(t, err)
}

func TestVerifyResetToken(t *testing.T) {
	user := NewTestUser("user_1", "jane@example.com", "Jane")
	f := newSecurityFixture(t, user)

	_, err := f.svc.InitiatePasswordReset(context.Background(), "jane@example.com", "", "")
	require.NoError(t, err)
	tokenValue := f.tokens.tokens[0].Token

	result, err := f.svc.VerifyResetToken(context.Background(), tokenValue)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, "user_1", result.UserID)
	assert.Equal(t, "jane@example.com", result.Email)
	assert.Equal(t, "Jane", result.FirstName)
	assert.Equal(t, f.clock.Now().Add(time.Hour), result.ExpiresAt)

	// Verification consumes nothing and leaves no audit trail.
	assert.Empty(t, f.audit.Actions()[1:])
	result2, err := f.svc.VerifyResetToken(context.Background(), tokenValue)
	require.NoError(t, err)
	assert.True(t, result2.Valid)
}

func TestVerifyResetToken_InvalidInputs(t *testing.T) {
	f := newSecurityFixture(t)

	_, err := f.svc.VerifyResetToken(context.Background(), "")
	assert.ErrorIs(t, err, models.ErrInvalidOrExpiredToken)

	_, err = f.svc.VerifyResetToken(context.Background(), "   ")
	assert.ErrorIs(t, err, models.ErrInvalidOrExpiredToken)

	_, err = f.svc.VerifyResetToken(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, models.ErrInvalidOrExpiredToken)
}

func TestVerifyResetToken_ExpiredToken(t *testing.T) {
	user := NewTestUser("user_1", "jane@example.com", "Jane")
	f := newSecurityFixture(t, user)

	_, err := f.svc.InitiatePasswordReset(context.Background(), "jane@example.com", "", "")
	require.NoError(t, err)
	tokenValue := f.tokens.tokens[0].Token

	f.clock.Advance(time.Hour + time.Second)

	_, err = f.svc.VerifyResetToken(context.Background(), tokenValue)
	assert.ErrorIs(t, err, models.ErrInvalidOrExpiredToken)
}

func TestResetPassword(t *testing.T) {
	user := NewTestUser("user_1", "jane@example.com", "Jane")
	user.FailedLoginAttempts = 3
	f := newSecurityFixture(t, user)

	_, err := f.svc.InitiatePasswordReset(context.Background(), "jane@example.com", "", "")
	require.NoError(t, err)
	tokenValue := f.tokens.tokens[0].Token

	err = f.svc.ResetPassword(context.Background(), tokenValue, "N3wSecret!", "192.0.2.1", "test-agent")
	require.NoError(t, err)

	updated, err := f.users.GetByID(context.Background(), "user_1")
	require.NoError(t, err)
	assert.NoError(t, pkgauth.ComparePassword(updated.PasswordHash, "N3wSecret!"))
	assert.Equal(t, 0, updated.FailedLoginAttempts)
	assert.Nil(t, updated.AccountLockedUntil)
	require.NotNil(t, updated.LastPasswordReset)
	assert.Equal(t, f.clock.Now(), *updated.LastPasswordReset)

	actions := f.audit.Actions()
	assert.Contains(t, actions, models.AuditActionPasswordResetCompleted)

	// Reset link email plus the completion confirmation.
	require.Len(t, f.email.Sent, 2)
	assert.Equal(t, "password-reset-confirmation", f.email.Sent[1].Template)
	assert.Equal(t, "https://app.example.com/login", f.email.Sent[1].LoginURL)
}

func TestResetPassword_TokenConsumedExactlyOnce(t *testing.T) {
	user := NewTestUser("user_1", "jane@example.com", "Jane")
	f := newSecurityFixture(t, user)

	_, err := f.svc.InitiatePasswordReset(context.Background(), "jane@example.com", "", "")
	require.NoError(t, err)
	tokenValue := f.tokens.tokens[0].Token

	require.NoError(t, f.svc.ResetPassword(context.Background(), tokenValue, "N3wSecret!", "", ""))

	err = f.svc.ResetPassword(context.Background(), tokenValue, "An0therSecret!", "", "")
	assert.ErrorIs(t, err, models.ErrInvalidOrExpiredToken)

	_, err = f.svc.VerifyResetToken(context.Background(), tokenValue)
	assert.ErrorIs(t, err, models.ErrInvalidOrExpiredToken)
}

func TestResetPassword_InvalidatesSiblingTokens(t *testing.T) {
	user := NewTestUser("user_1", "jane@example.com", "Jane")
	f := newSecurityFixture(t, user)

	_, err := f.svc.InitiatePasswordReset(context.Background(), "jane@example.com", "", "")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.svc.InitiatePasswordReset(context.Background(), "jane@example.com", "", "")
	require.NoError(t, err)

	first := f.tokens.tokens[0].Token
	second := f.tokens.tokens[1].Token

	require.NoError(t, f.svc.ResetPassword(context.Background(), second, "N3wSecret!", "", ""))

	_, err = f.svc.VerifyResetToken(context.Background(), first)
	assert.ErrorIs(t, err, models.ErrInvalidOrExpiredToken)
}

func TestResetPassword_WeakPasswordLeavesTokenUnconsumed(t *testing.T) {
	user := NewTestUser("user_1", "jane@example.com", "Jane")
	f := newSecurityFixture(t, user)

	_, err := f.svc.InitiatePasswordReset(context.Background(), "jane@example.com", "", "")
	require.NoError(t, err)
	tokenValue := f.tokens.tokens[0].Token

	err = f.svc.ResetPassword(context.Background(), tokenValue, "weak", "", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrWeakPassword)

	var weakErr *WeakPasswordError
	require.ErrorAs(t, err, &weakErr)
	assert.False(t, weakErr.Validation.MinLength)

	// The user can try again with the same link.
	_, err = f.svc.VerifyResetToken(context.Background(), tokenValue)
	assert.NoError(t, err)
	require.NoError(t, f.svc.ResetPassword(context.Background(), tokenValue, "N3wSecret!", "", ""))
}

func TestResetPassword_UnknownToken(t *testing.T) {
	f := newSecurityFixture(t)

	err := f.svc.ResetPassword(context.Background(), "does-not-exist", "N3wSecret!", "", "")
	assert.ErrorIs(t, err, models.ErrInvalidOrExpiredToken)
	assert.Empty(t, f.audit.Entries)
}

// The fixture's transaction runner holds the store lock across the
// transaction body the way a row lock would; operations whose bodies write
// the user row must still finish rather than wait on the lock they already
// hold.
func TestUserRowTransactions_CompleteUnderHeldLock(t *testing.T) {
	user := NewTestUser("user_1", "jane@example.com", "Jane")
	f := newSecurityFixture(t, user)

	_, err := f.svc.InitiatePasswordReset(context.Background(), "jane@example.com", "", "")
	require.NoError(t, err)
	tokenValue := f.tokens.tokens[0].Token

	done := make(chan error, 1)
	go func() {
		if err := f.svc.ResetPassword(context.Background(), tokenValue, "N3wSecret!", "", ""); err != nil {
			done <- err
			return
		}
		done <- f.svc.UnlockAccount(context.Background(), "user_1", "routine check", nil)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("user-row transaction did not complete while the row lock was held")
	}
}

func TestHandleFailedLogin_UnknownEmailNeutralResult(t *testing.T) {
	f := newSecurityFixture(t)

	result, err := f.svc.HandleFailedLogin(context.Background(), "nobody@example.com", "", "")
	require.NoError(t, err)
	assert.False(t, result.AccountLocked)
	assert.Equal(t, 1, result.FailedAttempts)
	assert.Equal(t, 4, result.RemainingAttempts)
	assert.Empty(t, f.audit.Entries)
}

func TestHandleFailedLogin_LocksOnFifthFailure(t *testing.T) {
	user := NewTestUser("user_1", "jane@example.com", "Jane")
	f := newSecurityFixture(t, user)

	for i := 1; i <= 4; i++ {
		result, err := f.svc.HandleFailedLogin(context.Background(), "jane@example.com", "203.0.113.9", "")
		require.NoError(t, err)
		assert.False(t, result.AccountLocked, "attempt %d", i)
		assert.Equal(t, i, result.FailedAttempts)
		assert.Equal(t, 5-i, result.RemainingAttempts)
	}

	result, err := f.svc.HandleFailedLogin(context.Background(), "jane@example.com", "203.0.113.9", "")
	require.NoError(t, err)
	assert.True(t, result.AccountLocked)
	assert.Equal(t, 5, result.FailedAttempts)
	assert.Equal(t, 0, result.RemainingAttempts)
	require.NotNil(t, result.LockoutUntil)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), *result.LockoutUntil)

	require.Len(t, f.audit.Entries, 5)
	last := f.audit.Entries[4]
	assert.Equal(t, models.AuditActionFailedLoginAttempt, last.Action)
	assert.False(t, last.Success)
	assert.Equal(t, true, last.Details["account_locked"])
	assert.Equal(t, 5, last.Details["failed_attempts"])
}

func TestHandleFailedLogin_LockoutDeadlineHoldsDuringLock(t *testing.T) {
	user := NewTestUser("user_1", "jane@example.com", "Jane")
	f := newSecurityFixture(t, user)

	for i := 0; i < 5; i++ {
		_, err := f.svc.HandleFailedLogin(context.Background(), "jane@example.com", "", "")
		require.NoError(t, err)
	}
	lockedAt := f.clock.Now().Add(15 * time.Minute)

	f.clock.Advance(time.Minute)
	result, err := f.svc.HandleFailedLogin(context.Background(), "jane@example.com", "", "")
	require.NoError(t, err)
	assert.True(t, result.AccountLocked)
	assert.Equal(t, 6, result.FailedAttempts)
	assert.Equal(t, lockedAt, *result.LockoutUntil)
}

func TestHandleFailedLogin_SecondLockoutDoubles(t *testing.T) {
	user := NewTestUser("user_1", "jane@example.com", "Jane")
	f := newSecurityFixture(t, user)

	for i := 0; i < 5; i++ {
		_, err := f.svc.HandleFailedLogin(context.Background(), "jane@example.com", "", "")
		require.NoError(t, err)
	}

	// More failures near the end of the active lockout.
	f.clock.Advance(14 * time.Minute)
	for i := 0; i < 4; i++ {
		_, err := f.svc.HandleFailedLogin(context.Background(), "jane@example.com", "", "")
		require.NoError(t, err)
	}

	// Let the first lockout run out, then fail once more.
	f.clock.Advance(2 * time.Minute)
	result, err := f.svc.HandleFailedLogin(context.Background(), "jane@example.com", "", "")
	require.NoError(t, err)
	assert.True(t, result.AccountLocked)
	assert.Equal(t, 10, result.FailedAttempts)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), *result.LockoutUntil)
}

func TestHandleFailedLogin_ConcurrentFailuresLoseNoIncrements(t *testing.T) {
	user := NewTestUser("user_1", "jane@example.com", "Jane")
	f := newSecurityFixture(t, user)

	const attempts = 20
	var wg sync.WaitGroup
	errs := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.HandleFailedLogin(context.Background(), "jane@example.com", "", "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	updated, err := f.users.GetByID(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, attempts, updated.FailedLoginAttempts)
}

func TestCheckAccountLockout(t *testing.T) {
	user := NewTestUser("user_1", "jane@example.com", "Jane")
	f := newSecurityFixture(t, user)

	status, err := f.svc.CheckAccountLockout(context.Background(), "jane@example.com")
	require.NoError(t, err)
	assert.True(t, status.Exists)
	assert.False(t, status.Locked)
	assert.Equal(t, 0, status.FailedAttempts)

	for i := 0; i < 5; i++ {
		_, err := f.svc.HandleFailedLogin(context.Background(), "jane@example.com", "", "")
		require.NoError(t, err)
	}

	status, err = f.svc.CheckAccountLockout(context.Background(), "JANE@example.com")
	require.NoError(t, err)
	assert.True(t, status.Locked)
	assert.Equal(t, 5, status.FailedAttempts)
	assert.Equal(t, 15, status.RemainingMinutes)
}

func TestCheckAccountLockout_UnknownEmail(t *testing.T) {
	f := newSecurityFixture(t)

	status, err := f.svc.CheckAccountLockout(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.False(t, status.Exists)
	assert.False(t, status.Locked)
}

func TestCheckAccountLockout_RemainingMinutesRoundUp(t *testing.T) {
	user := NewTestUser("user_1", "jane@example.com", "Jane")
	f := newSecurityFixture(t, user)

	lockedUntil := f.clock.Now().Add(61 * time.Second)
	user.AccountLockedUntil = &lockedUntil
	user.FailedLoginAttempts = 5

	status, err := f.svc.CheckAccountLockout(context.Background(), "jane@example.com")
	require.NoError(t, err)
	assert.True(t, status.Locked)
	assert.Equal(t, 2, status.RemainingMinutes)
}

func TestCheckAccountLockout_ExpiredLockReadsUnlocked(t *testing.T) {
	user := NewTestUser("user_1", "jane@example.com", "Jane")
	f := newSecurityFixture(t, user)

	lockedUntil := f.clock.Now().Add(-time.Second)
	user.AccountLockedUntil = &lockedUntil
	user.FailedLoginAttempts = 5

	status, err := f.svc.CheckAccountLockout(context.Background(), "jane@example.com")
	require.NoError(t, err)
	assert.False(t, status.Locked)
	assert.Nil(t, status.LockedUntil)
}

func TestUnlockAccount(t *testing.T) {
	user := NewTestUser("user_1", "jane@example.com", "Jane")
	f := newSecurityFixture(t, user)

	for i := 0; i < 5; i++ {
		_, err := f.svc.HandleFailedLogin(context.Background(), "jane@example.com", "", "")
		require.NoError(t, err)
	}

	adminID := "admin_7"
	err := f.svc.UnlockAccount(context.Background(), "user_1", "verified identity over support call", &adminID)
	require.NoError(t, err)

	status, err := f.svc.CheckAccountLockout(context.Background(), "jane@example.com")
	require.NoError(t, err)
	assert.False(t, status.Locked)
	assert.Equal(t, 0, status.FailedAttempts)

	entry := f.audit.Entries[len(f.audit.Entries)-1]
	assert.Equal(t, models.AuditActionAccountUnlocked, entry.Action)
	assert.True(t, entry.Success)
	assert.Equal(t, "verified identity over support call", entry.Details["reason"])
	assert.Equal(t, "admin_7", entry.Details["admin_id"])
}

func TestUnlockAccount_UnknownUser(t *testing.T) {
	f := newSecurityFixture(t)

	err := f.svc.UnlockAccount(context.Background(), "missing", "reason", nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestResetFailedLoginAttempts(t *testing.T) {
	user := NewTestUser("user_1", "jane@example.com", "Jane")
	user.FailedLoginAttempts = 3
	f := newSecurityFixture(t, user)

	require.NoError(t, f.svc.ResetFailedLoginAttempts(context.Background(), "user_1"))

	updated, err := f.users.GetByID(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, 0, updated.FailedLoginAttempts)
	require.NotNil(t, updated.LastSuccessfulLogin)
	assert.Equal(t, f.clock.Now(), *updated.LastSuccessfulLogin)

	err = f.svc.ResetFailedLoginAttempts(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestInitiatePasswordReset_RepositoryFailure(t *testing.T) {
	users := &MockUserRepository{
		GetByEmailFunc: func(ctx context.Context, email string) (*models.User, error) {
			return nil, fmt.Errorf("connection refused")
		},
	}
	svc := NewAccountSecurityService(
		users, &MockResetTokenRepository{}, &MockAuditRecorder{}, &MockEmailService{},
		&MockTxRunner{}, TestSecurityConfig(), TestEmailConfig(),
		NewFakeClock(time.Now()), discardLogger(),
	)

	_, err := svc.InitiatePasswordReset(context.Background(), "jane@example.com", "", "")
	assert.ErrorIs(t, err, models.ErrInternalServer)
}

func TestResetPassword_TransactionFailureAudited(t *testing.T) {
	audit := &MockAuditRecorder{}
	tokens := &MockResetTokenRepository{
		LookupFunc: func(ctx context.Context, tokenValue string, now time.Time) (*models.PasswordResetToken, error) {
			return &models.PasswordResetToken{
				ID:        "token_1",
				UserID:    "user_1",
				Token:     tokenValue,
				ExpiresAt: now.Add(time.Hour),
			}, nil
		},
	}
	tx := &MockTxRunner{
		WithTransactionFunc: func(ctx context.Context, fn func(pgx.Tx) error) error {
			return &models.TransactionError{Op: "commit", Err: fmt.Errorf("deadlock detected")}
		},
	}
	svc := NewAccountSecurityService(
		&MockUserRepository{}, tokens, audit, &MockEmailService{},
		tx, TestSecurityConfig(), TestEmailConfig(),
		NewFakeClock(time.Now()), discardLogger(),
	)

	err := svc.ResetPassword(context.Background(), "some-token", "N3wSecret!", "", "")
	assert.ErrorIs(t, err, models.ErrInternalServer)

	require.Len(t, audit.Entries, 1)
	assert.Equal(t, models.AuditActionPasswordResetFailed, audit.Entries[0].Action)
	assert.False(t, audit.Entries[0].Success)
}
