package memory

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/aegis-orchestrator/internal/types"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// liveRedis connects to AEGIS_TEST_REDIS_ADDR or skips the test.
func liveRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("AEGIS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AEGIS_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis at %s not reachable: %v", addr, err)
	}
	return rdb
}

func cacheTestUser(t *testing.T, rdb *redis.Client) string {
	t.Helper()
	userID := "cache-test-" + uuid.NewString()
	t.Cleanup(func() {
		rdb.Del(context.Background(), historyKey(userID), historyGenKey(userID))
	})
	return userID
}

func TestPostgresStore_FillAfterSaveIsDiscarded(t *testing.T) {
	rdb := liveRedis(t)
	ctx := context.Background()
	s := NewPostgresStore(nil, rdb, 20, time.Minute, discardLogger())
	userID := cacheTestUser(t, rdb)

	// A reader reads the generation and queries before a concurrent save
	// commits, then fills with rows that miss the new turn.
	gen, ok := s.cacheGeneration(ctx, userID)
	if !ok {
		t.Fatal("generation read failed")
	}
	s.invalidateCache(ctx, userID)
	s.fillCache(ctx, userID, gen, []types.ConversationTurn{turn("old", "hi", "hello", 0)})

	if _, hit := s.cachedHistory(ctx, userID, 10); hit {
		t.Fatal("stale fill must not populate the cache after a save")
	}
}

func TestPostgresStore_FillWithoutSaveIsCached(t *testing.T) {
	rdb := liveRedis(t)
	ctx := context.Background()
	s := NewPostgresStore(nil, rdb, 20, time.Minute, discardLogger())
	userID := cacheTestUser(t, rdb)

	s.invalidateCache(ctx, userID)
	gen, ok := s.cacheGeneration(ctx, userID)
	if !ok {
		t.Fatal("generation read failed")
	}
	s.fillCache(ctx, userID, gen, []types.ConversationTurn{
		turn("t2", "second", "b", 2),
		turn("t1", "first", "a", 1),
	})

	got, hit := s.cachedHistory(ctx, userID, 10)
	if !hit {
		t.Fatal("expected a cache hit")
	}
	if diff := cmp.Diff([]string{"t1", "t2"}, ids(got)); diff != "" {
		t.Errorf("cached history mismatch (-want +got):\n%s", diff)
	}
}

func TestPostgresStore_UnreachableRedisSkipsCache(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })
	s := NewPostgresStore(nil, rdb, 20, time.Minute, discardLogger())

	if _, ok := s.cacheGeneration(context.Background(), "u1"); ok {
		t.Error("generation read against an unreachable redis should fail")
	}
	if _, hit := s.cachedHistory(context.Background(), "u1", 5); hit {
		t.Error("unreachable redis should be a cache miss")
	}
}
