package lock

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/ilnaes/padsync/internal/common"
)

// set PADSYNC_TEST_REDIS to a redis address to run against a live server
func redisTables(t *testing.T) (*RedisTable, *RedisTable) {
	t.Helper()
	addr := os.Getenv("PADSYNC_TEST_REDIS")
	if addr == "" {
		t.Skip("PADSYNC_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	a, b := NewRedisTable(rdb), NewRedisTable(rdb)
	a.prefix = "padsync:test:" + t.Name() + ":"
	b.prefix = a.prefix
	t.Cleanup(func() { rdb.Del(context.Background(), a.prefix+"doc") })
	return a, b
}

func TestRedisTableExclusive(t *testing.T) {
	a, b := redisTables(t)
	ctx := context.Background()

	l, err := a.Acquire(ctx, "doc", common.NewIdentity("alice", "Alice"))
	if err != nil {
		t.Fatal(err)
	}
	if l.HolderID != "alice" {
		t.Fatalf("unexpected lock %+v", l)
	}

	var denied *common.LockDeniedError
	if _, err := b.Acquire(ctx, "doc", common.NewIdentity("bob", "Bob")); !errors.As(err, &denied) || denied.HolderName != "Alice" {
		t.Fatalf("expected denial naming Alice, got %v", err)
	}
	if _, err := b.Acquire(ctx, "doc", common.NewIdentity("alice", "Alice")); !errors.As(err, &denied) {
		t.Fatalf("holder locked twice: %v", err)
	}

	locks, err := b.List(ctx)
	if err != nil || len(locks) != 1 || locks[0].DocumentID != "doc" {
		t.Fatalf("unexpected list %+v %v", locks, err)
	}

	if err := b.Release(ctx, "doc", "bob", false); !errors.Is(err, common.ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
	if err := b.Release(ctx, "doc", "alice", false); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Acquire(ctx, "doc", common.NewIdentity("bob", "Bob")); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if err := a.Release(ctx, "doc", "alice", true); err != nil {
		t.Fatalf("force release: %v", err)
	}
}
