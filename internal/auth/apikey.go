package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateKey creates a new API key of the form aegis-{env}-{32 random alphanumerics}.
func GenerateKey(env string) (string, error) {
	random, err := randomString(32)
	if err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	return "aegis-" + env + "-" + random, nil
}

// HashKey returns the SHA-256 hex digest of an API key. Only digests are stored.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// KeyPrefix returns the display-safe aegis-{env}-{first 8 chars} part of a key.
func KeyPrefix(key string) string {
	if len(key) < 16 {
		return key
	}
	first := strings.IndexByte(key, '-')
	if first < 0 {
		return key[:16]
	}
	second := strings.IndexByte(key[first+1:], '-')
	if second < 0 {
		return key[:16]
	}
	end := first + 1 + second + 9
	if end > len(key) {
		end = len(key)
	}
	return key[:end]
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}

// KeyMetadata is the stored record behind an API key. It is cached in Redis
// as JSON.
type KeyMetadata struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	// Premium callers are never cost-optimized.
	Premium bool `json:"premium"`
	// AllowedPlatforms restricts forced and multi-platform requests. Empty
	// means every registered platform.
	AllowedPlatforms []string  `json:"allowed_platforms,omitempty"`
	RPMLimit         *int      `json:"rpm_limit,omitempty"`
	DailyTokenBudget *int64    `json:"daily_token_budget,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// ParseDuration parses a duration like "365d", "30d" or "24h".
func ParseDuration(s string) (time.Duration, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty duration")
	}
	if s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err != nil {
			return 0, fmt.Errorf("parse days: %w", err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
