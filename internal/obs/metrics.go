package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Security event counters
var (
	ResetsRequested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "password_resets_requested_total",
		Help: "Password reset initiations that issued a token.",
	})

	ResetsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "password_resets_completed_total",
		Help: "Password resets completed successfully.",
	})

	ResetsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "password_resets_failed_total",
			Help: "Password reset attempts that did not complete.",
		},
		[]string{"reason"},
	)

	FailedLogins = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "failed_login_attempts_total",
		Help: "Failed login attempts recorded against known accounts.",
	})

	AccountLockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "account_lockouts_total",
		Help: "Lockouts imposed by the progressive lockout policy.",
	})

	AccountUnlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "account_unlocks_total",
		Help: "Administrative account unlocks.",
	})

	AuditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_write_failures_total",
		Help: "Audit entries that could not be persisted and were absorbed.",
	})
)

// Init registers the security metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		ResetsRequested, ResetsCompleted, ResetsFailed,
		FailedLogins, AccountLockouts, AccountUnlocks,
		AuditWriteFailures,
	)
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
