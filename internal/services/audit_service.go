package services

import (
	"context"
	"log/slog"

	"github.com/BradenHooton/rampart/internal/models"
	"github.com/BradenHooton/rampart/internal/obs"
	"github.com/BradenHooton/rampart/internal/repositories"
)

// AuditWriter is the persistence half of the audit trail. The Querier scopes
// the write to a caller's transaction; nil means an independent write.
type AuditWriter interface {
	Insert(ctx context.Context, q repositories.Querier, entry *models.SecurityAuditEntry) error
}

// AuditService records security events with a dual-write pattern (slog +
// database). Persistence is best-effort: a failed write is logged and
// counted but never surfaced, so the audit trail cannot fail the security
// operation it describes.
type AuditService struct {
	repo   AuditWriter
	logger *slog.Logger
}

// NewAuditService creates a new AuditService
func NewAuditService(repo AuditWriter, logger *slog.Logger) *AuditService {
	return &AuditService{
		repo:   repo,
		logger: logger,
	}
}

// Record appends one audit entry outside any transaction.
func (s *AuditService) Record(ctx context.Context, entry *models.SecurityAuditEntry) {
	s.RecordIn(ctx, nil, entry)
}

// RecordIn appends one audit entry, optionally scoped to a transaction.
func (s *AuditService) RecordIn(ctx context.Context, q repositories.Querier, entry *models.SecurityAuditEntry) {
	level := slog.LevelInfo
	if !entry.Success {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "audit event",
		slog.String("action", entry.Action),
		slog.Any("user_id", entry.UserID),
		slog.Bool("success", entry.Success),
		slog.Any("details", entry.Details),
	)

	if err := s.repo.Insert(ctx, q, entry); err != nil {
		obs.AuditWriteFailures.Inc()
		s.logger.ErrorContext(ctx, "failed to persist audit entry",
			slog.String("action", entry.Action),
			slog.Any("error", err),
		)
	}
}
