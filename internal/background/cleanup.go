package background

import (
	"context"
	"log/slog"
	"time"
)

// TokenCleaner removes expired and consumed reset tokens.
type TokenCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// AuditCleaner trims audit entries past the retention period.
type AuditCleaner interface {
	Cleanup(ctx context.Context, olderThanDays int) (int64, error)
}

// CleanupManager periodically removes expired reset tokens and stale audit
// entries from the database.
type CleanupManager struct {
	tokens         TokenCleaner
	audit          AuditCleaner
	logger         *slog.Logger
	interval       time.Duration
	auditRetention int // days
	stopCh         chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(
	tokens TokenCleaner,
	audit AuditCleaner,
	logger *slog.Logger,
	interval time.Duration,
	auditRetentionDays int,
) *CleanupManager {
	return &CleanupManager{
		tokens:         tokens,
		audit:          audit,
		logger:         logger,
		interval:       interval,
		auditRetention: auditRetentionDays,
		stopCh:         make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// runCleanup removes expired tokens and stale audit entries
func (cm *CleanupManager) runCleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tokensRemoved, err := cm.tokens.CleanupExpired(cleanupCtx)
	if err != nil {
		cm.logger.Error("failed to cleanup expired reset tokens", slog.Any("error", err))
	} else if tokensRemoved > 0 {
		cm.logger.Info("expired reset token cleanup completed", slog.Int64("rows_deleted", tokensRemoved))
	}

	if cm.audit == nil || cm.auditRetention <= 0 {
		return
	}

	entriesRemoved, err := cm.audit.Cleanup(cleanupCtx, cm.auditRetention)
	if err != nil {
		cm.logger.Error("failed to cleanup audit entries", slog.Any("error", err))
	} else if entriesRemoved > 0 {
		cm.logger.Info("audit entry cleanup completed", slog.Int64("rows_deleted", entriesRemoved))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
