package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const (
	// ResetTokenBytes is the entropy of a recovery token (256 bits).
	ResetTokenBytes = 32

	// ResetTokenLength is the encoded length of a recovery token.
	ResetTokenLength = 43 // base64url without padding, 32 bytes
)

// GenerateResetToken returns an opaque, URL-safe recovery token with 256 bits
// of entropy. Failure of the underlying entropy source is unrecoverable for
// the calling operation.
func GenerateResetToken() (string, error) {
	bytes := make([]byte, ResetTokenBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate reset token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
