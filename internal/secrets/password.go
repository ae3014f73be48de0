package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GeneratePassword returns a 256-bit random password. URL-safe base64 keeps
// it within the RDS master password character set (no '/', '@', '"' or
// spaces).
func GeneratePassword() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
