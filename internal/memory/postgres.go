package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/aegis-orchestrator/internal/types"
)

const (
	historyKeyPrefix    = "aegis:history:"
	historyGenKeyPrefix = "aegis:history-gen:"
)

// PostgresStore persists turns in PostgreSQL and caches each user's recent
// history in a Redis list, newest first. Redis errors fall through to the
// database.
type PostgresStore struct {
	db        *pgxpool.Pool
	redis     *redis.Client
	cacheSize int
	cacheTTL  time.Duration
	logger    *slog.Logger
}

// NewPostgresStore creates a store. rdb may be nil to disable caching.
func NewPostgresStore(db *pgxpool.Pool, rdb *redis.Client, cacheSize int, cacheTTL time.Duration, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheSize <= 0 {
		cacheSize = 20
	}
	return &PostgresStore{db: db, redis: rdb, cacheSize: cacheSize, cacheTTL: cacheTTL, logger: logger}
}

func historyKey(userID string) string { return historyKeyPrefix + userID }

// historyGenKey counts writes to a user's history. A fill computed before a
// write must not land after it.
func historyGenKey(userID string) string { return historyGenKeyPrefix + userID }

const turnColumns = `id, user_id, user_input, ai_response, platform, task_type, is_system_message, created_at`

func scanTurns(rows pgx.Rows) ([]types.ConversationTurn, error) {
	defer rows.Close()
	var out []types.ConversationTurn
	for rows.Next() {
		var t types.ConversationTurn
		var taskType string
		if err := rows.Scan(&t.ID, &t.UserID, &t.UserInput, &t.AIResponse, &t.Platform, &taskType, &t.IsSystemMessage, &t.Timestamp); err != nil {
			return nil, err
		}
		t.TaskType = types.TaskType(taskType)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetConversationHistory(ctx context.Context, userID string, limit int) ([]types.ConversationTurn, error) {
	if limit <= 0 {
		return nil, nil
	}
	if limit <= s.cacheSize {
		if turns, ok := s.cachedHistory(ctx, userID, limit); ok {
			return turns, nil
		}
	}

	gen, genOK := s.cacheGeneration(ctx, userID)

	fetch := limit
	if fetch < s.cacheSize {
		fetch = s.cacheSize
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+turnColumns+`
		FROM conversation_turns
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, fetch)
	if err != nil {
		return nil, fmt.Errorf("%w: query conversation_turns: %v", ErrPersistence, err)
	}
	newestFirst, err := scanTurns(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: scan conversation_turns: %v", ErrPersistence, err)
	}

	if genOK {
		s.fillCache(ctx, userID, gen, newestFirst)
	}

	if len(newestFirst) > limit {
		newestFirst = newestFirst[:limit]
	}
	return chronological(newestFirst), nil
}

// cachedHistory reads the cached list. A missing key is a miss; a present
// key holds the user's complete recent history up to cacheSize.
func (s *PostgresStore) cachedHistory(ctx context.Context, userID string, limit int) ([]types.ConversationTurn, bool) {
	if s.redis == nil {
		return nil, false
	}
	items, err := s.redis.LRange(ctx, historyKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		s.logger.Debug("history cache read failed", "user_id", userID, "error", err)
		return nil, false
	}
	if len(items) == 0 {
		return nil, false
	}

	newestFirst := make([]types.ConversationTurn, 0, len(items))
	for _, item := range items {
		var t types.ConversationTurn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, false
		}
		newestFirst = append(newestFirst, t)
	}
	return chronological(newestFirst), true
}

// cacheGeneration reads the write counter that fillCache checks. ok is false
// when Redis is disabled or failing.
func (s *PostgresStore) cacheGeneration(ctx context.Context, userID string) (int64, bool) {
	if s.redis == nil {
		return 0, false
	}
	gen, err := s.redis.Get(ctx, historyGenKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	if err != nil {
		s.logger.Debug("history cache generation read failed", "user_id", userID, "error", err)
		return 0, false
	}
	return gen, true
}

// fillCache replaces the cached list with newestFirst, unless a turn was
// saved since gen was read.
func (s *PostgresStore) fillCache(ctx context.Context, userID string, gen int64, newestFirst []types.ConversationTurn) {
	if s.redis == nil || len(newestFirst) == 0 {
		return
	}
	if len(newestFirst) > s.cacheSize {
		newestFirst = newestFirst[:s.cacheSize]
	}
	values := make([]any, 0, len(newestFirst))
	for _, t := range newestFirst {
		data, err := json.Marshal(t)
		if err != nil {
			return
		}
		values = append(values, data)
	}

	key, genKey := historyKey(userID), historyGenKey(userID)
	err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return redis.TxFailedErr
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.RPush(ctx, key, values...)
			if s.cacheTTL > 0 {
				pipe.Expire(ctx, key, s.cacheTTL)
			}
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		s.logger.Debug("history cache fill skipped, history changed", "user_id", userID)
		return
	}
	if err != nil {
		s.logger.Debug("history cache fill failed", "user_id", userID, "error", err)
	}
}

func chronological(newestFirst []types.ConversationTurn) []types.ConversationTurn {
	out := make([]types.ConversationTurn, len(newestFirst))
	for i, t := range newestFirst {
		out[len(newestFirst)-1-i] = t
	}
	return out
}

// SearchSimilarConversations ranks the user's turns by pg_trgm similarity of
// the stored input to query.
func (s *PostgresStore) SearchSimilarConversations(ctx context.Context, userID, query string, limit int) ([]types.ConversationTurn, error) {
	if limit <= 0 || query == "" {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+turnColumns+`
		FROM conversation_turns
		WHERE user_id = $1
		  AND is_system_message = FALSE
		  AND user_input % $2
		ORDER BY similarity(user_input, $2) DESC
		LIMIT $3
	`, userID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: search conversation_turns: %v", ErrPersistence, err)
	}
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: scan conversation_turns: %v", ErrPersistence, err)
	}
	return turns, nil
}

func (s *PostgresStore) SaveConversationTurn(ctx context.Context, turn types.ConversationTurn) error {
	if _, err := uuid.Parse(turn.ID); err != nil {
		turn.ID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO conversation_turns (`+turnColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, turn.ID, turn.UserID, turn.UserInput, turn.AIResponse, turn.Platform, string(turn.TaskType), turn.IsSystemMessage, turn.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: insert conversation_turns: %v", ErrPersistence, err)
	}

	s.invalidateCache(ctx, turn.UserID)
	return nil
}

// invalidateCache drops the cached list and bumps the write counter so an
// in-flight fill of older rows is discarded. The next read refills.
func (s *PostgresStore) invalidateCache(ctx context.Context, userID string) {
	if s.redis == nil {
		return
	}
	pipe := s.redis.TxPipeline()
	pipe.Incr(ctx, historyGenKey(userID))
	pipe.Del(ctx, historyKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("history cache invalidation failed", "user_id", userID, "error", err)
	}
}

func (s *PostgresStore) ClearUserConversations(ctx context.Context, userID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM conversation_turns WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("%w: delete conversation_turns: %v", ErrPersistence, err)
	}
	s.invalidateCache(ctx, userID)
	return nil
}
