package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/rampart/internal/database"
	"github.com/BradenHooton/rampart/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ResetTokenRepository handles password reset token persistence.
type ResetTokenRepository struct {
	db *database.DB
}

func NewResetTokenRepository(db *database.DB) *ResetTokenRepository {
	return &ResetTokenRepository{db: db}
}

const resetTokenColumns = `id, user_id, token, expires_at, used, used_at, created_at, ip_address, user_agent`

func scanResetTokenRow(scanner rowScanner) (*models.PasswordResetToken, error) {
	var token models.PasswordResetToken

	err := scanner.Scan(
		&token.ID, &token.UserID, &token.Token, &token.ExpiresAt,
		&token.Used, &token.UsedAt, &token.CreatedAt,
		&token.IPAddress, &token.UserAgent,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &token, nil
}

// Issue persists a new reset token, enforcing the per-user sliding-window
// rate limit. The count and the insert share one transaction; a racing pair
// of issuances can slip one token over the cap, which is tolerated, but a
// legitimate first attempt is never refused.
func (r *ResetTokenRepository) Issue(ctx context.Context, token *models.PasswordResetToken, windowStart time.Time, maxPerWindow int) error {
	token.ID = uuid.New().String()

	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		countQuery := `
			SELECT COUNT(*) FROM password_reset_tokens
			WHERE user_id = $1 AND created_at > $2
		`

		var recent int
		if err := tx.QueryRow(ctx, countQuery, token.UserID, windowStart).Scan(&recent); err != nil {
			return fmt.Errorf("failed to count recent reset tokens: %w", err)
		}

		if recent >= maxPerWindow {
			return models.ErrRateLimited
		}

		insertQuery := `
			INSERT INTO password_reset_tokens (id, user_id, token, expires_at, created_at, ip_address, user_agent)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`

		_, err := tx.Exec(ctx, insertQuery,
			token.ID, token.UserID, token.Token, token.ExpiresAt,
			token.CreatedAt, token.IPAddress, token.UserAgent,
		)
		if err != nil {
			return database.MapPostgresError(err)
		}

		return nil
	})
}

// Lookup finds a redeemable token by exact value. A missing, used, and
// expired token all produce the same ErrInvalidOrExpiredToken so the
// response never discloses which it was.
func (r *ResetTokenRepository) Lookup(ctx context.Context, tokenValue string, now time.Time) (*models.PasswordResetToken, error) {
	query := `
		SELECT ` + resetTokenColumns + `
		FROM password_reset_tokens
		WHERE token = $1 AND used = false AND expires_at > $2
	`

	token, err := scanResetTokenRow(r.db.Pool.QueryRow(ctx, query, tokenValue, now))
	if err != nil {
		if err == models.ErrNotFound {
			return nil, models.ErrInvalidOrExpiredToken
		}
		return nil, err
	}

	return token, nil
}

// Consume marks the matched token used and invalidates every other unused
// token for the same user, so sibling links from earlier requests stop
// working the moment one is redeemed. Runs in the caller's transaction.
func (r *ResetTokenRepository) Consume(ctx context.Context, q Querier, tokenValue, userID string, now time.Time) error {
	consumeQuery := `
		UPDATE password_reset_tokens
		SET used = true, used_at = $1
		WHERE token = $2 AND user_id = $3 AND used = false AND expires_at > $1
	`

	result, err := q.Exec(ctx, consumeQuery, now, tokenValue, userID)
	if err != nil {
		return database.MapPostgresError(err)
	}

	if result.RowsAffected() == 0 {
		return models.ErrInvalidOrExpiredToken
	}

	siblingQuery := `
		UPDATE password_reset_tokens
		SET used = true, used_at = $1
		WHERE user_id = $2 AND used = false
	`

	if _, err := q.Exec(ctx, siblingQuery, now, userID); err != nil {
		return database.MapPostgresError(err)
	}

	return nil
}

// CleanupExpired invokes the maintenance function owned by the schema. The
// schedule belongs to the caller.
func (r *ResetTokenRepository) CleanupExpired(ctx context.Context) (int64, error) {
	var removed int64
	err := r.db.Pool.QueryRow(ctx, `SELECT cleanup_expired_tokens()`).Scan(&removed)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired tokens: %w", err)
	}

	return removed, nil
}
