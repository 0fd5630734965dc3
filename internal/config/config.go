package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Security SecurityConfig
	Email    EmailConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type ServerConfig struct {
	Env         string
	LogLevel    string
	MetricsAddr string
}

type SecurityConfig struct {
	TokenExpiry                  time.Duration
	MaxResetAttempts             int
	ResetRateWindow              time.Duration
	MaxFailedLogins              int
	AccountLockoutDuration       time.Duration
	ProgressiveLockoutMultiplier int
	PasswordHashCost             int
	CleanupInterval              time.Duration
	ResponsePadding              time.Duration
}

type EmailConfig struct {
	AWSRegion    string
	FromAddress  string
	ResetURLBase string
	LoginURL     string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "rampart"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Env:         env,
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		},
		Security: SecurityConfig{
			TokenExpiry:                  getEnvAsDuration("RESET_TOKEN_EXPIRY", 1*time.Hour),
			MaxResetAttempts:             getEnvAsInt("MAX_RESET_ATTEMPTS", 5),
			ResetRateWindow:              getEnvAsDuration("RESET_RATE_WINDOW", 1*time.Hour),
			MaxFailedLogins:              getEnvAsInt("MAX_FAILED_LOGINS", 5),
			AccountLockoutDuration:       getEnvAsDuration("ACCOUNT_LOCKOUT_DURATION", 15*time.Minute),
			ProgressiveLockoutMultiplier: getEnvAsInt("PROGRESSIVE_LOCKOUT_MULTIPLIER", 2),
			PasswordHashCost:             getEnvAsInt("PASSWORD_HASH_COST", 12),
			CleanupInterval:              getEnvAsDuration("TOKEN_CLEANUP_INTERVAL", 1*time.Hour),
			ResponsePadding:              getEnvAsDuration("RESET_RESPONSE_PADDING", 100*time.Millisecond),
		},
		Email: EmailConfig{
			AWSRegion:    getEnv("AWS_REGION", "us-east-1"),
			FromAddress:  getEnv("EMAIL_FROM_ADDRESS", ""),
			ResetURLBase: getEnv("RESET_URL_BASE", "http://localhost:3000/reset-password"),
			LoginURL:     getEnv("LOGIN_URL", "http://localhost:3000/login"),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateSecurity(&cfg.Security); err != nil {
		return nil, err
	}

	if env == "production" && cfg.Email.FromAddress == "" {
		return nil, fmt.Errorf("EMAIL_FROM_ADDRESS is required in production")
	}

	return cfg, nil
}

// validateSecurity rejects settings that would silently disable the defenses.
func validateSecurity(sec *SecurityConfig) error {
	if sec.TokenExpiry <= 0 {
		return fmt.Errorf("RESET_TOKEN_EXPIRY must be positive")
	}
	if sec.MaxResetAttempts < 1 {
		return fmt.Errorf("MAX_RESET_ATTEMPTS must be at least 1")
	}
	if sec.MaxFailedLogins < 1 {
		return fmt.Errorf("MAX_FAILED_LOGINS must be at least 1")
	}
	if sec.AccountLockoutDuration <= 0 {
		return fmt.Errorf("ACCOUNT_LOCKOUT_DURATION must be positive")
	}
	if sec.ProgressiveLockoutMultiplier < 1 {
		return fmt.Errorf("PROGRESSIVE_LOCKOUT_MULTIPLIER must be at least 1")
	}
	if sec.PasswordHashCost < 10 || sec.PasswordHashCost > 16 {
		return fmt.Errorf("PASSWORD_HASH_COST must be between 10 and 16 (got %d)", sec.PasswordHashCost)
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}
