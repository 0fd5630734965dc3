package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"

	"github.com/BradenHooton/rampart/internal/config"
	"github.com/BradenHooton/rampart/internal/lockout"
	"github.com/BradenHooton/rampart/internal/models"
	"github.com/BradenHooton/rampart/internal/obs"
	"github.com/BradenHooton/rampart/internal/repositories"
	pkgauth "github.com/BradenHooton/rampart/pkg/auth"
	"github.com/BradenHooton/rampart/pkg/clock"
	pkglogger "github.com/BradenHooton/rampart/pkg/logger"
)

// UserRepository defines the user data access needed by the security operations
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetLoginStateForUpdate(ctx context.Context, q repositories.Querier, id string) (*models.LoginState, error)
	UpdateLoginState(ctx context.Context, q repositories.Querier, id string, state *models.LoginState) error
	CompletePasswordReset(ctx context.Context, q repositories.Querier, id, passwordHash string, now time.Time) error
	ClearLockout(ctx context.Context, q repositories.Querier, id string) error
	RecordSuccessfulLogin(ctx context.Context, id string, now time.Time) error
}

// ResetTokenRepository defines the interface for reset token operations
type ResetTokenRepository interface {
	Issue(ctx context.Context, token *models.PasswordResetToken, windowStart time.Time, maxPerWindow int) error
	Lookup(ctx context.Context, tokenValue string, now time.Time) (*models.PasswordResetToken, error)
	Consume(ctx context.Context, q repositories.Querier, tokenValue, userID string, now time.Time) error
}

// AuditRecorder appends security audit entries. Writes are best-effort and
// never return an error to the caller.
type AuditRecorder interface {
	Record(ctx context.Context, entry *models.SecurityAuditEntry)
	RecordIn(ctx context.Context, q repositories.Querier, entry *models.SecurityAuditEntry)
}

// TxRunner runs a function inside a single database transaction.
type TxRunner interface {
	WithTransaction(ctx context.Context, fn func(pgx.Tx) error) error
}

// WeakPasswordError carries the requirement report for a rejected password.
// errors.Is(err, models.ErrWeakPassword) matches it.
type WeakPasswordError struct {
	Validation pkgauth.PasswordValidation
}

func (e *WeakPasswordError) Error() string {
	return e.Validation.Message
}

func (e *WeakPasswordError) Is(target error) bool {
	return target == models.ErrWeakPassword
}

// InitiateResetResult is returned for every initiation request. Unknown
// addresses produce the same shape with EmailSent=false so the response
// never confirms whether an account exists.
type InitiateResetResult struct {
	EmailSent        bool `json:"email_sent"`
	ExpiresInMinutes int  `json:"expires_in_minutes"`
}

// VerifyTokenResult describes a redeemable token.
type VerifyTokenResult struct {
	Valid     bool      `json:"valid"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FailedLoginResult reports the lockout outcome of one failed login.
type FailedLoginResult struct {
	AccountLocked     bool       `json:"account_locked"`
	FailedAttempts    int        `json:"failed_attempts"`
	LockoutUntil      *time.Time `json:"lockout_until,omitempty"`
	RemainingAttempts int        `json:"remaining_attempts"`
}

// LockoutStatus is the read-only lockout view of an account.
type LockoutStatus struct {
	Locked           bool       `json:"locked"`
	Exists           bool       `json:"exists"`
	LockedUntil      *time.Time `json:"locked_until,omitempty"`
	RemainingMinutes int        `json:"remaining_minutes,omitempty"`
	FailedAttempts   int        `json:"failed_attempts"`
}

// AccountSecurityService orchestrates password recovery, progressive
// lockout, and the audit trail behind them.
type AccountSecurityService struct {
	users    UserRepository
	tokens   ResetTokenRepository
	audit    AuditRecorder
	email    EmailService
	tx       TxRunner
	policy   lockout.Policy
	cfg      config.SecurityConfig
	urls     config.EmailConfig
	clock    clock.Clock
	logger   *slog.Logger
	validate *validator.Validate
	padding  *pkgauth.Equalizer
}

// NewAccountSecurityService creates a new AccountSecurityService
func NewAccountSecurityService(
	users UserRepository,
	tokens ResetTokenRepository,
	audit AuditRecorder,
	email EmailService,
	tx TxRunner,
	cfg config.SecurityConfig,
	urls config.EmailConfig,
	clk clock.Clock,
	logger *slog.Logger,
) *AccountSecurityService {
	return &AccountSecurityService{
		users:  users,
		tokens: tokens,
		audit:  audit,
		email:  email,
		tx:     tx,
		policy: lockout.Policy{
			MaxFailedLogins:       cfg.MaxFailedLogins,
			BaseLockoutDuration:   cfg.AccountLockoutDuration,
			ProgressiveMultiplier: cfg.ProgressiveLockoutMultiplier,
		},
		cfg:      cfg,
		urls:     urls,
		clock:    clk,
		logger:   logger,
		validate: validator.New(),
		padding:  pkgauth.NewEqualizer(cfg.ResponsePadding),
	}
}

// InitiatePasswordReset issues a recovery token and emails a reset link.
// Unknown or malformed addresses receive the generic success response.
func (s *AccountSecurityService) InitiatePasswordReset(ctx context.Context, email, ipAddress, userAgent string) (*InitiateResetResult, error) {
	started := time.Now()
	now := s.clock.Now()
	expiresIn := int(s.cfg.TokenExpiry.Minutes())
	generic := &InitiateResetResult{EmailSent: false, ExpiresInMinutes: expiresIn}

	email = strings.ToLower(strings.TrimSpace(email))
	if err := s.validate.Var(email, "required,email"); err != nil {
		s.logger.Info("reset requested for malformed address")
		s.padding.PadFrom(started)
		return generic, nil
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Info("reset requested for unknown address",
				slog.String("email", pkglogger.SanitizedEmail(email)))
			// Padded so the short-circuit answers no faster than the
			// full token-issuing path.
			s.padding.PadFrom(started)
			return generic, nil
		}
		s.logger.Error("failed to look up user for reset", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if user.IsLocked(now) {
		return nil, &models.AccountLockedError{Until: *user.AccountLockedUntil}
	}

	tokenValue, err := pkgauth.GenerateResetToken()
	if err != nil {
		s.logger.Error("failed to generate reset token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	token := &models.PasswordResetToken{
		UserID:    user.ID,
		Token:     tokenValue,
		ExpiresAt: now.Add(s.cfg.TokenExpiry),
		CreatedAt: now,
		IPAddress: optional(ipAddress),
		UserAgent: optional(userAgent),
	}

	windowStart := now.Add(-s.cfg.ResetRateWindow)
	if err := s.tokens.Issue(ctx, token, windowStart, s.cfg.MaxResetAttempts); err != nil {
		if errors.Is(err, models.ErrRateLimited) {
			s.logger.Warn("reset rate limit reached", slog.String("user_id", user.ID))
			return nil, models.ErrRateLimited
		}
		s.logger.Error("failed to issue reset token",
			slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	obs.ResetsRequested.Inc()

	// The token is committed at this point. A failed dispatch leaves it
	// valid; the user can request again and race-free retry is safe.
	emailSent := true
	resetURL := fmt.Sprintf("%s?token=%s", s.urls.ResetURLBase, tokenValue)
	if err := s.email.SendPasswordResetEmail(ctx, user.Email, user.FirstName, resetURL, expiresIn); err != nil {
		emailSent = false
		s.logger.Error("failed to dispatch reset email",
			slog.String("user_id", user.ID), slog.Any("error", err))
	}

	s.audit.Record(ctx, &models.SecurityAuditEntry{
		UserID:       &user.ID,
		Action:       models.AuditActionPasswordResetRequested,
		ResourceType: ptr(models.AuditResourceTypeResetToken),
		ResourceID:   &token.ID,
		IPAddress:    optional(ipAddress),
		UserAgent:    optional(userAgent),
		Success:      true,
		Details:      models.AuditMetadata{"email_sent": emailSent},
	})

	return &InitiateResetResult{EmailSent: emailSent, ExpiresInMinutes: expiresIn}, nil
}

// VerifyResetToken checks a token without consuming it. Called repeatedly by
// form pre-fill, so it mutates nothing and writes no audit entry.
func (s *AccountSecurityService) VerifyResetToken(ctx context.Context, tokenValue string) (*VerifyTokenResult, error) {
	if strings.TrimSpace(tokenValue) == "" {
		return nil, models.ErrInvalidOrExpiredToken
	}

	token, err := s.tokens.Lookup(ctx, tokenValue, s.clock.Now())
	if err != nil {
		if errors.Is(err, models.ErrInvalidOrExpiredToken) {
			return nil, models.ErrInvalidOrExpiredToken
		}
		s.logger.Error("failed to look up reset token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	user, err := s.users.GetByID(ctx, token.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrInvalidOrExpiredToken
		}
		s.logger.Error("failed to load user for token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	return &VerifyTokenResult{
		Valid:     true,
		UserID:    user.ID,
		Email:     user.Email,
		FirstName: user.FirstName,
		ExpiresAt: token.ExpiresAt,
	}, nil
}

// ResetPassword completes a recovery: the token is re-verified, the new
// password validated and hashed, and the user row update plus token
// consumption commit atomically. Tokens issued by earlier requests are
// invalidated in the same transaction.
func (s *AccountSecurityService) ResetPassword(ctx context.Context, tokenValue, newPassword, ipAddress, userAgent string) error {
	now := s.clock.Now()

	// Re-verify rather than trust an earlier verification call.
	token, err := s.tokens.Lookup(ctx, tokenValue, now)
	if err != nil {
		if errors.Is(err, models.ErrInvalidOrExpiredToken) {
			return models.ErrInvalidOrExpiredToken
		}
		s.logger.Error("failed to look up reset token", slog.Any("error", err))
		return models.ErrInternalServer
	}

	validation := pkgauth.ValidatePassword(newPassword)
	if !validation.Valid {
		// The token stays unconsumed so the user can try again.
		return &WeakPasswordError{Validation: validation}
	}

	// Hashing happens before the transaction opens so the row lock is not
	// held through the slow work factor.
	passwordHash, err := pkgauth.HashPassword(newPassword, s.cfg.PasswordHashCost)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return models.ErrInternalServer
	}

	err = s.tx.WithTransaction(ctx, func(tx pgx.Tx) error {
		if err := s.tokens.Consume(ctx, tx, tokenValue, token.UserID, now); err != nil {
			return err
		}
		return s.users.CompletePasswordReset(ctx, tx, token.UserID, passwordHash, now)
	})
	if err != nil {
		obs.ResetsFailed.WithLabelValues(failureReason(err)).Inc()
		s.audit.Record(ctx, &models.SecurityAuditEntry{
			UserID:       &token.UserID,
			Action:       models.AuditActionPasswordResetFailed,
			ResourceType: ptr(models.AuditResourceTypeResetToken),
			ResourceID:   &token.ID,
			IPAddress:    optional(ipAddress),
			UserAgent:    optional(userAgent),
			Success:      false,
			Details:      models.AuditMetadata{"error": err.Error()},
		})

		if errors.Is(err, models.ErrInvalidOrExpiredToken) {
			// Consumed by a racing completion between lookup and commit.
			return models.ErrInvalidOrExpiredToken
		}
		s.logger.Error("password reset transaction failed",
			slog.String("user_id", token.UserID), slog.Any("error", err))
		return models.ErrInternalServer
	}

	obs.ResetsCompleted.Inc()
	s.audit.Record(ctx, &models.SecurityAuditEntry{
		UserID:       &token.UserID,
		Action:       models.AuditActionPasswordResetCompleted,
		ResourceType: ptr(models.AuditResourceTypeUser),
		ResourceID:   &token.UserID,
		IPAddress:    optional(ipAddress),
		UserAgent:    optional(userAgent),
		Success:      true,
	})

	user, err := s.users.GetByID(ctx, token.UserID)
	if err != nil {
		s.logger.Error("failed to load user for confirmation email",
			slog.String("user_id", token.UserID), slog.Any("error", err))
		return nil
	}
	if err := s.email.SendPasswordResetConfirmationEmail(ctx, user.Email, user.FirstName, s.urls.LoginURL); err != nil {
		s.logger.Error("failed to dispatch confirmation email",
			slog.String("user_id", token.UserID), slog.Any("error", err))
	}

	return nil
}

// HandleFailedLogin records one failed login against the account and applies
// the progressive lockout policy. The read-evaluate-write runs under a row
// lock so concurrent failures never lose an increment. Unknown addresses get
// a neutral result indistinguishable from a first failure.
func (s *AccountSecurityService) HandleFailedLogin(ctx context.Context, email, ipAddress, userAgent string) (*FailedLoginResult, error) {
	started := time.Now()
	now := s.clock.Now()
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.padding.PadFrom(started)
			return &FailedLoginResult{
				AccountLocked:     false,
				FailedAttempts:    1,
				RemainingAttempts: s.policy.MaxFailedLogins - 1,
			}, nil
		}
		s.logger.Error("failed to look up user for failed login", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	var next *models.LoginState
	var wasLocked bool
	err = s.tx.WithTransaction(ctx, func(tx pgx.Tx) error {
		current, err := s.users.GetLoginStateForUpdate(ctx, tx, user.ID)
		if err != nil {
			return err
		}
		wasLocked = current.AccountLockedUntil != nil && current.AccountLockedUntil.After(now)

		evaluated := s.policy.EvaluateFailedLogin(*current, now)
		next = &evaluated
		return s.users.UpdateLoginState(ctx, tx, user.ID, next)
	})
	if err != nil {
		s.logger.Error("failed login transaction failed",
			slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	locked := next.AccountLockedUntil != nil && next.AccountLockedUntil.After(now)

	obs.FailedLogins.Inc()
	if locked && !wasLocked {
		obs.AccountLockouts.Inc()
	}

	s.audit.Record(ctx, &models.SecurityAuditEntry{
		UserID:       &user.ID,
		Action:       models.AuditActionFailedLoginAttempt,
		ResourceType: ptr(models.AuditResourceTypeUser),
		ResourceID:   &user.ID,
		IPAddress:    optional(ipAddress),
		UserAgent:    optional(userAgent),
		Success:      false,
		Details: models.AuditMetadata{
			"failed_attempts": next.FailedLoginAttempts,
			"account_locked":  locked,
		},
	})

	result := &FailedLoginResult{
		AccountLocked:     locked,
		FailedAttempts:    next.FailedLoginAttempts,
		RemainingAttempts: s.policy.RemainingAttempts(*next, now),
	}
	if locked {
		result.LockoutUntil = next.AccountLockedUntil
	}
	return result, nil
}

// CheckAccountLockout reports the lockout state of an account without
// mutating anything.
func (s *AccountSecurityService) CheckAccountLockout(ctx context.Context, email string) (*LockoutStatus, error) {
	now := s.clock.Now()
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return &LockoutStatus{Exists: false, Locked: false}, nil
		}
		s.logger.Error("failed to look up user for lockout check", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	status := &LockoutStatus{
		Exists:         true,
		FailedAttempts: user.FailedLoginAttempts,
	}

	if user.IsLocked(now) {
		status.Locked = true
		status.LockedUntil = user.AccountLockedUntil
		// Whole minutes, rounded up, so "1 second left" reads as one minute.
		remaining := user.AccountLockedUntil.Sub(now)
		status.RemainingMinutes = int((remaining + time.Minute - 1) / time.Minute)
	}

	return status, nil
}

// UnlockAccount is the administrative override: counters zeroed, lockout
// cleared, reason recorded. Fails when the user does not exist.
func (s *AccountSecurityService) UnlockAccount(ctx context.Context, userID, reason string, adminID *string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotFound
		}
		s.logger.Error("failed to look up user for unlock", slog.Any("error", err))
		return models.ErrInternalServer
	}

	err = s.tx.WithTransaction(ctx, func(tx pgx.Tx) error {
		return s.users.ClearLockout(ctx, tx, user.ID)
	})
	if err != nil {
		s.logger.Error("unlock transaction failed",
			slog.String("user_id", user.ID), slog.Any("error", err))
		return models.ErrInternalServer
	}

	obs.AccountUnlocks.Inc()

	details := models.AuditMetadata{"reason": reason}
	if adminID != nil {
		details["admin_id"] = *adminID
	}
	s.audit.Record(ctx, &models.SecurityAuditEntry{
		UserID:       &user.ID,
		Action:       models.AuditActionAccountUnlocked,
		ResourceType: ptr(models.AuditResourceTypeUser),
		ResourceID:   &user.ID,
		Success:      true,
		Details:      details,
	})

	s.logger.Info("account unlocked", slog.String("user_id", user.ID))
	return nil
}

// ResetFailedLoginAttempts is called by the login-success path: counters are
// zeroed and the successful login is stamped.
func (s *AccountSecurityService) ResetFailedLoginAttempts(ctx context.Context, userID string) error {
	if err := s.users.RecordSuccessfulLogin(ctx, userID, s.clock.Now()); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotFound
		}
		s.logger.Error("failed to reset login counters",
			slog.String("user_id", userID), slog.Any("error", err))
		return models.ErrInternalServer
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidOrExpiredToken):
		return "invalid_token"
	default:
		return "transaction_error"
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ptr(s string) *string {
	return &s
}
