package auth

import (
	"context"
	"slices"
)

type contextKey string

const authContextKey contextKey = "aegis_auth"

// AuthInfo is the caller identity attached to an authenticated request.
type AuthInfo struct {
	KeyID            string
	UserID           string
	Premium          bool
	AllowedPlatforms []string
	RPMLimit         *int
	DailyTokenBudget *int64
}

// AllowsPlatform reports whether the key may target platform directly.
func (a *AuthInfo) AllowsPlatform(platform string) bool {
	if a == nil || len(a.AllowedPlatforms) == 0 {
		return true
	}
	return slices.Contains(a.AllowedPlatforms, platform)
}

func ContextWithAuth(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authContextKey, info)
}

func AuthFromContext(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authContextKey).(*AuthInfo)
	return info, ok
}
