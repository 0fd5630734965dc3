package repositories

import (
	"context"
	"fmt"

	"github.com/BradenHooton/rampart/internal/database"
	"github.com/BradenHooton/rampart/internal/models"
)

// AuditLogRepository handles security audit log data access
type AuditLogRepository struct {
	db *database.DB
}

// NewAuditLogRepository creates a new AuditLogRepository
func NewAuditLogRepository(db *database.DB) *AuditLogRepository {
	return &AuditLogRepository{db: db}
}

// Insert appends one audit entry. Passing a Querier scopes the write to the
// caller's transaction; nil writes independently through the pool.
func (r *AuditLogRepository) Insert(ctx context.Context, q Querier, entry *models.SecurityAuditEntry) error {
	if q == nil {
		q = r.db.Pool
	}

	query := `
		INSERT INTO security_audit_log (
			user_id, action, resource_type, resource_id,
			ip_address, user_agent, success, details
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	err := q.QueryRow(ctx, query,
		entry.UserID, entry.Action, entry.ResourceType, entry.ResourceID,
		entry.IPAddress, entry.UserAgent, entry.Success, entry.Details,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", database.MapPostgresError(err))
	}

	return nil
}

// Cleanup removes audit entries older than the retention period.
func (r *AuditLogRepository) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	query := `
		DELETE FROM security_audit_log
		WHERE created_at < CURRENT_TIMESTAMP - INTERVAL '1 day' * $1
	`

	result, err := r.db.Pool.Exec(ctx, query, olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit entries: %w", err)
	}

	return result.RowsAffected(), nil
}
