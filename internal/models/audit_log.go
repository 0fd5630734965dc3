package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Actions for security audit entries
const (
	AuditActionPasswordResetRequested = "password_reset_requested"
	AuditActionPasswordResetCompleted = "password_reset_completed"
	AuditActionPasswordResetFailed    = "password_reset_failed"
	AuditActionFailedLoginAttempt     = "failed_login_attempt"
	AuditActionAccountUnlocked        = "account_unlocked"
)

// Resource types
const (
	AuditResourceTypeUser       = "user"
	AuditResourceTypeResetToken = "password_reset_token"
)

type SecurityAuditEntry struct {
	ID           uuid.UUID     `db:"id"`
	UserID       *string       `db:"user_id"`
	Action       string        `db:"action"`
	ResourceType *string       `db:"resource_type"`
	ResourceID   *string       `db:"resource_id"`
	IPAddress    *string       `db:"ip_address"`
	UserAgent    *string       `db:"user_agent"`
	Success      bool          `db:"success"`
	Details      AuditMetadata `db:"details"`
	CreatedAt    time.Time     `db:"created_at"`
}

// AuditMetadata holds additional context for audit entries
type AuditMetadata map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (am *AuditMetadata) Scan(value interface{}) error {
	if value == nil {
		*am = make(AuditMetadata)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return ErrBadRequest
	}

	var m map[string]interface{}
	if err := json.Unmarshal(bytes, &m); err != nil {
		return err
	}
	*am = AuditMetadata(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (am AuditMetadata) Value() (driver.Value, error) {
	if am == nil {
		return nil, nil
	}
	return json.Marshal(am)
}

// MarshalJSON implements json.Marshaler
func (am AuditMetadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}(am))
}

// UnmarshalJSON implements json.Unmarshaler
func (am *AuditMetadata) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*am = AuditMetadata(m)
	return nil
}
