package auth

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultBcryptCost = 12
	MinPasswordLen    = 8
	MaxPasswordLen    = 128
)

// PasswordValidation reports which strength requirements a candidate
// password satisfies. HasSpecial is reported for display purposes but is
// not required for the password to be accepted.
type PasswordValidation struct {
	Valid      bool   `json:"valid"`
	MinLength  bool   `json:"min_length"`
	HasUpper   bool   `json:"has_upper"`
	HasLower   bool   `json:"has_lower"`
	HasDigit   bool   `json:"has_digit"`
	HasSpecial bool   `json:"has_special"`
	Message    string `json:"message,omitempty"`
}

// ValidatePassword checks a candidate password against the strength policy.
// A password is accepted when it has the minimum length plus uppercase,
// lowercase, and digit characters. Special characters are checked and
// reported but do not gate acceptance.
func ValidatePassword(password string) PasswordValidation {
	result := PasswordValidation{
		MinLength: len(password) >= MinPasswordLen && len(password) <= MaxPasswordLen,
	}

	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			result.HasUpper = true
		case unicode.IsLower(r):
			result.HasLower = true
		case unicode.IsDigit(r):
			result.HasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			result.HasSpecial = true
		}
	}

	result.Valid = result.MinLength && result.HasUpper && result.HasLower && result.HasDigit
	if !result.Valid {
		result.Message = describeFailures(result)
	}

	return result
}

func describeFailures(v PasswordValidation) string {
	missing := make([]string, 0, 4)

	if !v.MinLength {
		missing = append(missing, fmt.Sprintf("at least %d characters", MinPasswordLen))
	}
	if !v.HasUpper {
		missing = append(missing, "an uppercase letter")
	}
	if !v.HasLower {
		missing = append(missing, "a lowercase letter")
	}
	if !v.HasDigit {
		missing = append(missing, "a digit")
	}

	return "password must contain " + strings.Join(missing, ", ")
}

// HashPassword hashes a password with bcrypt at the supplied work factor.
// A cost outside bcrypt's supported range falls back to the default.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashedBytes), nil
}

// ComparePassword checks a plaintext password against a bcrypt hash.
func ComparePassword(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}
