package cache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis connects to a local Redis and skips the test when none is
// running. Container-backed coverage lives in the client integration tests.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestNewManager(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	manager := NewManager(client, 0)
	if manager.redis != client {
		t.Error("Manager redis client not set correctly")
	}
	if manager.Retention() != DefaultRetention {
		t.Errorf("Retention() = %v, want %v", manager.Retention(), DefaultRetention)
	}

	if NewManager(client, time.Hour).Retention() != time.Hour {
		t.Error("explicit retention not kept")
	}
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil redis client")
		}
	}()
	NewManager(nil, 0)
}

func TestManager_SetAndGet(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Minute)
	ctx := context.Background()

	key := Key{Path: "/repos/octo/app/releases"}
	entry := &Entry{
		Data:       []byte(`[{"id":1}]`),
		ETag:       `"abc123"`,
		StatusCode: 200,
		Headers:    http.Header{"Link": []string{`<https://x/?page=2>; rel="next"`}},
		CachedAt:   time.Now(),
	}

	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if entry.Expires.IsZero() {
		t.Error("Set must fill in Expires")
	}

	got, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Data) != string(entry.Data) {
		t.Errorf("Data = %s, want %s", got.Data, entry.Data)
	}
	if got.ETag != entry.ETag {
		t.Errorf("ETag = %s, want %s", got.ETag, entry.ETag)
	}
	if got.Headers.Get("Link") == "" {
		t.Error("Link header lost")
	}

	ttl, err := client.TTL(ctx, key.String()).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want (0, 1m]", ttl)
	}
}

func TestManager_Get_CacheMiss(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, 0)

	if _, err := manager.Get(context.Background(), Key{Path: "/missing"}); err != ErrCacheMiss {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
}

func TestManager_Set_SkipsEntriesWithoutValidator(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, 0)
	ctx := context.Background()

	key := Key{Path: "/no-etag"}
	if err := manager.Set(ctx, key, &Entry{Data: []byte(`[]`)}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := manager.Get(ctx, key); err != ErrCacheMiss {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
}

func TestManager_Set_Nil(t *testing.T) {
	manager := NewManager(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), 0)
	if err := manager.Set(context.Background(), Key{Path: "/x"}, nil); err == nil {
		t.Error("expected error for nil entry")
	}
}

func TestManager_TouchAndDelete(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Minute)
	ctx := context.Background()

	key := Key{Path: "/touch"}
	entry := &Entry{Data: []byte(`[]`), ETag: `"v1"`, Expires: time.Now().Add(time.Second)}
	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := manager.Touch(ctx, key, entry); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	ttl, _ := client.TTL(ctx, key.String()).Result()
	if ttl <= 2*time.Second {
		t.Errorf("TTL after Touch = %v, want close to 1m", ttl)
	}

	if err := manager.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := manager.Get(ctx, key); err != ErrCacheMiss {
		t.Errorf("Expected ErrCacheMiss after delete, got %v", err)
	}
}
