package redis

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cutout/internal/config"
)

func TestLockerExclusiveAndRelease(t *testing.T) {
	client := newTestClient(t)
	locker := NewLocker(client, time.Minute, zerolog.Nop())
	ctx := context.Background()

	unlock, ok, err := locker.Lock(ctx, "abc123")
	if err != nil || !ok {
		t.Fatalf("expected first lock to succeed, ok=%v err=%v", ok, err)
	}
	if _, ok, err := locker.Lock(ctx, "abc123"); err != nil || ok {
		t.Fatalf("expected second lock to be refused, ok=%v err=%v", ok, err)
	}
	if _, ok, err := locker.Lock(ctx, "other"); err != nil || !ok {
		t.Fatalf("expected other id to lock, ok=%v err=%v", ok, err)
	}

	unlock()
	if _, ok, err := locker.Lock(ctx, "abc123"); err != nil || !ok {
		t.Fatalf("expected lock after release, ok=%v err=%v", ok, err)
	}
}

func TestLockerReleaseKeepsForeignToken(t *testing.T) {
	client := newTestClient(t)
	locker := NewLocker(client, time.Minute, zerolog.Nop())
	ctx := context.Background()

	unlock, ok, err := locker.Lock(ctx, "abc123")
	if err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}
	// simulate expiry and takeover by another instance
	if err := client.Raw().Set(ctx, lockKeyPrefix+"abc123", "someone-else", time.Minute).Err(); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	unlock()
	got, err := client.Raw().Get(ctx, lockKeyPrefix+"abc123").Result()
	if err != nil || got != "someone-else" {
		t.Fatalf("expected foreign token to survive, got %q err=%v", got, err)
	}
}

func TestLockerWithoutClient(t *testing.T) {
	var l *Locker
	if _, ok, err := l.Lock(context.Background(), "x"); err == nil || ok {
		t.Fatalf("expected error from nil locker")
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed lock tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	cfg := &config.Config{
		Redis: config.RedisConfig{
			Host: host,
			Port: port,
			DB:   db,
		},
	}
	client, err := NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Raw().FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush db: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}
