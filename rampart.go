// Package rampart wires the account security subsystem: password recovery
// token lifecycle, progressive login lockout, and the security audit trail.
//
// The surrounding application owns users, routes, and rendering; it hands
// plain strings to the Security service and maps the returned results to
// its own transport.
//
// Basic usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	rp, err := rampart.New(cfg, nil, slog.Default())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rp.Close()
//
//	result, err := rp.Security.InitiatePasswordReset(ctx, email, ip, userAgent)
package rampart

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/rampart/internal/background"
	"github.com/BradenHooton/rampart/internal/config"
	"github.com/BradenHooton/rampart/internal/database"
	"github.com/BradenHooton/rampart/internal/repositories"
	"github.com/BradenHooton/rampart/internal/services"
	"github.com/BradenHooton/rampart/pkg/clock"
)

const auditRetentionDays = 365

// Rampart is a fully wired account security subsystem.
type Rampart struct {
	// Security exposes the public operations: initiate/verify/complete
	// password reset, failed-login handling, lockout checks, unlock.
	Security *services.AccountSecurityService

	db      *database.DB
	cleanup *background.CleanupManager
	logger  *slog.Logger
}

// New connects to the datastore and wires the repositories and services.
// A nil mailer selects the AWS SES implementation configured by cfg.Email;
// callers embedding the subsystem can supply their own EmailService.
func New(cfg *config.Config, mailer services.EmailService, logger *slog.Logger) (*Rampart, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	userRepo := repositories.NewUserRepository(db)
	tokenRepo := repositories.NewResetTokenRepository(db)
	auditRepo := repositories.NewAuditLogRepository(db)

	auditService := services.NewAuditService(auditRepo, logger)

	if mailer == nil {
		mailer, err = services.NewAWSSESEmailService(cfg.Email.AWSRegion, cfg.Email.FromAddress, logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize email service: %w", err)
		}
	}

	security := services.NewAccountSecurityService(
		userRepo,
		tokenRepo,
		auditService,
		mailer,
		db,
		cfg.Security,
		cfg.Email,
		clock.System{},
		logger,
	)

	cleanup := background.NewCleanupManager(
		tokenRepo, auditRepo, logger, cfg.Security.CleanupInterval, auditRetentionDays,
	)

	return &Rampart{
		Security: security,
		db:       db,
		cleanup:  cleanup,
		logger:   logger,
	}, nil
}

// StartMaintenance runs the periodic expired-token and audit-retention
// cleanup until the context is cancelled or StopMaintenance is called.
// Blocks; run it in its own goroutine.
func (r *Rampart) StartMaintenance(ctx context.Context) {
	r.cleanup.Start(ctx)
}

// StopMaintenance stops the cleanup loop.
func (r *Rampart) StopMaintenance() {
	r.cleanup.Stop()
}

// HealthCheck verifies the datastore is reachable.
func (r *Rampart) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// Close releases the database pool.
func (r *Rampart) Close() {
	r.db.Close()
}
