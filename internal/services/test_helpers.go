package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/rampart/internal/config"
	"github.com/BradenHooton/rampart/internal/models"
	"github.com/BradenHooton/rampart/internal/repositories"
	"github.com/jackc/pgx/v5"
)

// MockUserRepository implements UserRepository for testing
type MockUserRepository struct {
	GetByIDFunc                func(ctx context.Context, id string) (*models.User, error)
	GetByEmailFunc             func(ctx context.Context, email string) (*models.User, error)
	GetLoginStateForUpdateFunc func(ctx context.Context, q repositories.Querier, id string) (*models.LoginState, error)
	UpdateLoginStateFunc       func(ctx context.Context, q repositories.Querier, id string, state *models.LoginState) error
	CompletePasswordResetFunc  func(ctx context.Context, q repositories.Querier, id, passwordHash string, now time.Time) error
	ClearLockoutFunc           func(ctx context.Context, q repositories.Querier, id string) error
	RecordSuccessfulLoginFunc  func(ctx context.Context, id string, now time.Time) error
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetLoginStateForUpdate(ctx context.Context, q repositories.Querier, id string) (*models.LoginState, error) {
	if m.GetLoginStateForUpdateFunc != nil {
		return m.GetLoginStateForUpdateFunc(ctx, q, id)
	}
	return &models.LoginState{}, nil
}

func (m *MockUserRepository) UpdateLoginState(ctx context.Context, q repositories.Querier, id string, state *models.LoginState) error {
	if m.UpdateLoginStateFunc != nil {
		return m.UpdateLoginStateFunc(ctx, q, id, state)
	}
	return nil
}

func (m *MockUserRepository) CompletePasswordReset(ctx context.Context, q repositories.Querier, id, passwordHash string, now time.Time) error {
	if m.CompletePasswordResetFunc != nil {
		return m.CompletePasswordResetFunc(ctx, q, id, passwordHash, now)
	}
	return nil
}

func (m *MockUserRepository) ClearLockout(ctx context.Context, q repositories.Querier, id string) error {
	if m.ClearLockoutFunc != nil {
		return m.ClearLockoutFunc(ctx, q, id)
	}
	return nil
}

func (m *MockUserRepository) RecordSuccessfulLogin(ctx context.Context, id string, now time.Time) error {
	if m.RecordSuccessfulLoginFunc != nil {
		return m.RecordSuccessfulLoginFunc(ctx, id, now)
	}
	return nil
}

// MockResetTokenRepository implements ResetTokenRepository for testing
type MockResetTokenRepository struct {
	IssueFunc   func(ctx context.Context, token *models.PasswordResetToken, windowStart time.Time, maxPerWindow int) error
	LookupFunc  func(ctx context.Context, tokenValue string, now time.Time) (*models.PasswordResetToken, error)
	ConsumeFunc func(ctx context.Context, q repositories.Querier, tokenValue, userID string, now time.Time) error
}

func (m *MockResetTokenRepository) Issue(ctx context.Context, token *models.PasswordResetToken, windowStart time.Time, maxPerWindow int) error {
	if m.IssueFunc != nil {
		return m.IssueFunc(ctx, token, windowStart, maxPerWindow)
	}
	token.ID = "token_123"
	return nil
}

func (m *MockResetTokenRepository) Lookup(ctx context.Context, tokenValue string, now time.Time) (*models.PasswordResetToken, error) {
	if m.LookupFunc != nil {
		return m.LookupFunc(ctx, tokenValue, now)
	}
	return nil, models.ErrInvalidOrExpiredToken
}

func (m *MockResetTokenRepository) Consume(ctx context.Context, q repositories.Querier, tokenValue, userID string, now time.Time) error {
	if m.ConsumeFunc != nil {
		return m.ConsumeFunc(ctx, q, tokenValue, userID, now)
	}
	return nil
}

// MockAuditRecorder collects audit entries for assertions
type MockAuditRecorder struct {
	mu      sync.Mutex
	Entries []*models.SecurityAuditEntry
}

func (m *MockAuditRecorder) Record(ctx context.Context, entry *models.SecurityAuditEntry) {
	m.RecordIn(ctx, nil, entry)
}

func (m *MockAuditRecorder) RecordIn(ctx context.Context, q repositories.Querier, entry *models.SecurityAuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Entries = append(m.Entries, entry)
}

// Actions returns the recorded actions in order.
func (m *MockAuditRecorder) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	actions := make([]string, 0, len(m.Entries))
	for _, e := range m.Entries {
		actions = append(actions, e.Action)
	}
	return actions
}

// SentEmail captures one outbound email
type SentEmail struct {
	To       string
	Template string
	ResetURL string
	LoginURL string
}

// MockEmailService implements EmailService for testing
type MockEmailService struct {
	mu      sync.Mutex
	Sent    []SentEmail
	SendErr error
}

func (m *MockEmailService) SendPasswordResetEmail(ctx context.Context, email, firstName, resetURL string, expiryMinutes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Sent = append(m.Sent, SentEmail{To: email, Template: "password-reset", ResetURL: resetURL})
	return nil
}

func (m *MockEmailService) SendPasswordResetConfirmationEmail(ctx context.Context, email, firstName, loginURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Sent = append(m.Sent, SentEmail{To: email, Template: "password-reset-confirmation", LoginURL: loginURL})
	return nil
}

// MockTxRunner executes the transaction body directly. Repository mocks
// ignore the Querier, so a nil pgx.Tx is sufficient.
type MockTxRunner struct {
	WithTransactionFunc func(ctx context.Context, fn func(pgx.Tx) error) error
}

func (m *MockTxRunner) WithTransaction(ctx context.Context, fn func(pgx.Tx) error) error {
	if m.WithTransactionFunc != nil {
		return m.WithTransactionFunc(ctx, fn)
	}
	return fn(nil)
}

// FakeClock is a mutable time source for tests
type FakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{t: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// NewTestUser builds a user with sane defaults for tests
func NewTestUser(id, email, firstName string) *models.User {
	now := time.Now()
	return &models.User{
		ID:           id,
		Email:        email,
		FirstName:    firstName,
		PasswordHash: "$2a$12$existinghash",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// TestSecurityConfig returns the default policy used across the service tests
func TestSecurityConfig() config.SecurityConfig {
	return config.SecurityConfig{
		TokenExpiry:                  1 * time.Hour,
		MaxResetAttempts:             5,
		ResetRateWindow:              1 * time.Hour,
		MaxFailedLogins:              5,
		AccountLockoutDuration:       15 * time.Minute,
		ProgressiveLockoutMultiplier: 2,
		PasswordHashCost:             4, // bcrypt minimum keeps the suite fast
		CleanupInterval:              1 * time.Hour,
	}
}

// TestEmailConfig returns URLs used across the service tests
func TestEmailConfig() config.EmailConfig {
	return config.EmailConfig{
		AWSRegion:    "us-east-1",
		FromAddress:  "security@example.com",
		ResetURLBase: "https://app.example.com/reset-password",
		LoginURL:     "https://app.example.com/login",
	}
}

// memoryTokenStore is a stateful in-memory ResetTokenRepository used for
// sliding-window and consume-once tests.
type memoryTokenStore struct {
	mu     sync.Mutex
	tokens []*models.PasswordResetToken
	nextID int
}

func newMemoryTokenStore() *memoryTokenStore {
	return &memoryTokenStore{}
}

func (s *memoryTokenStore) Issue(ctx context.Context, token *models.PasswordResetToken, windowStart time.Time, maxPerWindow int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recent := 0
	for _, t := range s.tokens {
		if t.UserID == token.UserID && t.CreatedAt.After(windowStart) {
			recent++
		}
	}
	if recent >= maxPerWindow {
		return models.ErrRateLimited
	}

	s.nextID++
	stored := *token
	stored.ID = fmt.Sprintf("token_%d", s.nextID)
	token.ID = stored.ID
	s.tokens = append(s.tokens, &stored)
	return nil
}

func (s *memoryTokenStore) Lookup(ctx context.Context, tokenValue string, now time.Time) (*models.PasswordResetToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tokens {
		if t.Token == tokenValue && t.IsValid(now) {
			copied := *t
			return &copied, nil
		}
	}
	return nil, models.ErrInvalidOrExpiredToken
}

func (s *memoryTokenStore) Consume(ctx context.Context, q repositories.Querier, tokenValue, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := false
	for _, t := range s.tokens {
		if t.Token == tokenValue && t.UserID == userID && t.IsValid(now) {
			t.Used = true
			usedAt := now
			t.UsedAt = &usedAt
			matched = true
			break
		}
	}
	if !matched {
		return models.ErrInvalidOrExpiredToken
	}

	for _, t := range s.tokens {
		if t.UserID == userID && !t.Used {
			t.Used = true
			usedAt := now
			t.UsedAt = &usedAt
		}
	}
	return nil
}

// memoryUserStore is a stateful in-memory UserRepository used for the
// lockout concurrency tests. Its read-modify-write path is serialized by a
// mutex held across the transaction body, mirroring a row lock.
type memoryUserStore struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newMemoryUserStore(users ...*models.User) *memoryUserStore {
	s := &memoryUserStore{users: make(map[string]*models.User)}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

// Lock and Unlock let a test's TxRunner emulate row locking.
func (s *memoryUserStore) Lock()   { s.mu.Lock() }
func (s *memoryUserStore) Unlock() { s.mu.Unlock() }

func (s *memoryUserStore) find(match func(*models.User) bool) (*models.User, error) {
	for _, u := range s.users {
		if match(u) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *memoryUserStore) GetByID(ctx context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(func(u *models.User) bool { return u.ID == id })
}

func (s *memoryUserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(func(u *models.User) bool { return u.Email == email })
}

func (s *memoryUserStore) GetLoginStateForUpdate(ctx context.Context, q repositories.Querier, id string) (*models.LoginState, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &models.LoginState{
		FailedLoginAttempts: u.FailedLoginAttempts,
		AccountLockedUntil:  u.AccountLockedUntil,
		LastFailedLogin:     u.LastFailedLogin,
	}, nil
}

func (s *memoryUserStore) UpdateLoginState(ctx context.Context, q repositories.Querier, id string, state *models.LoginState) error {
	u, ok := s.users[id]
	if !ok {
		return models.ErrNotFound
	}
	u.FailedLoginAttempts = state.FailedLoginAttempts
	u.AccountLockedUntil = state.AccountLockedUntil
	u.LastFailedLogin = state.LastFailedLogin
	return nil
}

// Runs inside the caller's transaction; the tx runner holds the store lock.
func (s *memoryUserStore) CompletePasswordReset(ctx context.Context, q repositories.Querier, id, passwordHash string, now time.Time) error {
	u, ok := s.users[id]
	if !ok {
		return models.ErrNotFound
	}
	u.PasswordHash = passwordHash
	reset := now
	u.LastPasswordReset = &reset
	u.FailedLoginAttempts = 0
	u.AccountLockedUntil = nil
	return nil
}

// Runs inside the caller's transaction; the tx runner holds the store lock.
func (s *memoryUserStore) ClearLockout(ctx context.Context, q repositories.Querier, id string) error {
	u, ok := s.users[id]
	if !ok {
		return models.ErrNotFound
	}
	u.FailedLoginAttempts = 0
	u.AccountLockedUntil = nil
	return nil
}

func (s *memoryUserStore) RecordSuccessfulLogin(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return models.ErrNotFound
	}
	u.FailedLoginAttempts = 0
	u.AccountLockedUntil = nil
	login := now
	u.LastSuccessfulLogin = &login
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nullWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }
