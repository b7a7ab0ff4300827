package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	redisCacheTTL  = 5 * time.Minute
	redisKeyPrefix = "aegis:key:"
)

// KeyStore looks up API key metadata by hash. A nil result with a nil error
// means the key is unknown, revoked or expired.
type KeyStore interface {
	Lookup(ctx context.Context, keyHash string) (*KeyMetadata, error)
}

// CachedKeyStore reads keys from PostgreSQL through a Redis cache. Redis
// errors fall through to the database.
type CachedKeyStore struct {
	db     *pgxpool.Pool
	redis  *redis.Client
	logger *slog.Logger
}

func NewCachedKeyStore(db *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger) *CachedKeyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedKeyStore{db: db, redis: rdb, logger: logger}
}

func (s *CachedKeyStore) Lookup(ctx context.Context, keyHash string) (*KeyMetadata, error) {
	if s.redis != nil {
		cached, err := s.redis.Get(ctx, redisKeyPrefix+keyHash).Bytes()
		switch {
		case err == nil:
			var meta KeyMetadata
			if err := json.Unmarshal(cached, &meta); err == nil && time.Now().Before(meta.ExpiresAt) {
				return &meta, nil
			}
		case !errors.Is(err, redis.Nil):
			s.logger.Warn("key cache read failed", "error", err)
		}
	}

	meta, err := s.lookupDB(ctx, keyHash)
	if err != nil || meta == nil {
		return nil, err
	}

	if s.redis != nil {
		if data, err := json.Marshal(meta); err == nil {
			if err := s.redis.Set(ctx, redisKeyPrefix+keyHash, data, redisCacheTTL).Err(); err != nil {
				s.logger.Warn("key cache write failed", "error", err)
			}
		}
	}
	return meta, nil
}

// Invalidate drops a cached key so a revocation takes effect immediately.
func (s *CachedKeyStore) Invalidate(ctx context.Context, keyHash string) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Del(ctx, redisKeyPrefix+keyHash).Err()
}

func (s *CachedKeyStore) lookupDB(ctx context.Context, keyHash string) (*KeyMetadata, error) {
	var meta KeyMetadata
	var allowedJSON []byte

	err := s.db.QueryRow(ctx, `
		SELECT id::text, user_id, name, premium, allowed_platforms, rpm_limit, daily_token_budget, expires_at
		FROM api_keys
		WHERE key_hash = $1
		  AND status = 'active'
		  AND expires_at > NOW()
	`, keyHash).Scan(
		&meta.ID,
		&meta.UserID,
		&meta.Name,
		&meta.Premium,
		&allowedJSON,
		&meta.RPMLimit,
		&meta.DailyTokenBudget,
		&meta.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query api_keys: %w", err)
	}

	if len(allowedJSON) > 0 {
		if err := json.Unmarshal(allowedJSON, &meta.AllowedPlatforms); err != nil {
			return nil, fmt.Errorf("decode allowed_platforms for key %s: %w", meta.ID, err)
		}
	}

	go func(id string) {
		bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := s.db.Exec(bgCtx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id); err != nil {
			s.logger.Debug("update last_used_at failed", "key_id", id, "error", err)
		}
	}(meta.ID)

	return &meta, nil
}
