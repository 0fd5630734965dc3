package repositories

import (
	"context"
	"time"

	"github.com/BradenHooton/rampart/internal/database"
	"github.com/BradenHooton/rampart/internal/models"
)

type UserRepository struct {
	db *database.DB
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, first_name, last_name, password_hash,
		failed_login_attempts, account_locked_until, last_failed_login,
		last_password_reset, last_successful_login, created_at, updated_at`

// scanUserRow handles nullable fields and populates a User model from a database row
func scanUserRow(scanner rowScanner) (*models.User, error) {
	var user models.User
	var passwordHash *string

	err := scanner.Scan(
		&user.ID, &user.Email, &user.FirstName, &user.LastName, &passwordHash,
		&user.FailedLoginAttempts, &user.AccountLockedUntil, &user.LastFailedLogin,
		&user.LastPasswordReset, &user.LastSuccessfulLogin,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if passwordHash != nil {
		user.PasswordHash = *passwordHash
	}

	return &user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	return scanUserRow(r.db.Pool.QueryRow(ctx, query, id))
}

// GetByEmail matches the address case-insensitively.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`

	return scanUserRow(r.db.Pool.QueryRow(ctx, query, email))
}

// GetLoginStateForUpdate reads the lockout counters under a row lock. Must be
// called inside a transaction so concurrent evaluations serialize instead of
// losing increments.
func (r *UserRepository) GetLoginStateForUpdate(ctx context.Context, q Querier, id string) (*models.LoginState, error) {
	query := `
		SELECT failed_login_attempts, account_locked_until, last_failed_login
		FROM users WHERE id = $1
		FOR UPDATE
	`

	var state models.LoginState
	err := q.QueryRow(ctx, query, id).Scan(
		&state.FailedLoginAttempts, &state.AccountLockedUntil, &state.LastFailedLogin,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &state, nil
}

// UpdateLoginState persists the lockout counters computed by the policy engine.
func (r *UserRepository) UpdateLoginState(ctx context.Context, q Querier, id string, state *models.LoginState) error {
	query := `
		UPDATE users
		SET failed_login_attempts = $1, account_locked_until = $2, last_failed_login = $3, updated_at = NOW()
		WHERE id = $4
	`

	result, err := q.Exec(ctx, query,
		state.FailedLoginAttempts, state.AccountLockedUntil, state.LastFailedLogin, id,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}

	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

// CompletePasswordReset sets the new hash and clears the lockout counters in
// one statement so the row never holds a fresh password next to stale counters.
func (r *UserRepository) CompletePasswordReset(ctx context.Context, q Querier, id, passwordHash string, now time.Time) error {
	query := `
		UPDATE users
		SET password_hash = $1, last_password_reset = $2,
		    failed_login_attempts = 0, account_locked_until = NULL, updated_at = NOW()
		WHERE id = $3
	`

	result, err := q.Exec(ctx, query, passwordHash, now, id)
	if err != nil {
		return database.MapPostgresError(err)
	}

	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

// ClearLockout zeroes the failure counter and removes any active lockout.
func (r *UserRepository) ClearLockout(ctx context.Context, q Querier, id string) error {
	query := `
		UPDATE users
		SET failed_login_attempts = 0, account_locked_until = NULL, updated_at = NOW()
		WHERE id = $1
	`

	result, err := q.Exec(ctx, query, id)
	if err != nil {
		return database.MapPostgresError(err)
	}

	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

// RecordSuccessfulLogin resets the counters and stamps the login time.
func (r *UserRepository) RecordSuccessfulLogin(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE users
		SET failed_login_attempts = 0, account_locked_until = NULL,
		    last_successful_login = $1, updated_at = NOW()
		WHERE id = $2
	`

	result, err := r.db.Pool.Exec(ctx, query, now, id)
	if err != nil {
		return database.MapPostgresError(err)
	}

	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}
