//go:build integration

package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRedisStoreSharesPINBudget(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })
	addr, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}

	first, err := newRedisStore(redisStoreConfig{Addr: addr, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() { _ = first.Close() })
	second, err := newRedisStore(redisStoreConfig{Addr: addr, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	key := fmt.Sprintf("multicam:pin:test-%d", time.Now().UnixNano())
	allowed, retry, err := first.Allow(ctx, key, 2, time.Minute)
	if err != nil || !allowed || retry != 0 {
		t.Fatalf("first allow unexpected: allowed=%v retry=%v err=%v", allowed, retry, err)
	}
	allowed, _, err = second.Allow(ctx, key, 2, time.Minute)
	if err != nil || !allowed {
		t.Fatalf("second allow unexpected: allowed=%v err=%v", allowed, err)
	}
	allowed, retry, err = first.Allow(ctx, key, 2, time.Minute)
	if err != nil {
		t.Fatalf("third allow err: %v", err)
	}
	if allowed {
		t.Fatal("expected the shared budget to throttle the third attempt")
	}
	if retry <= 0 || retry > time.Minute {
		t.Fatalf("expected retry within the window, got %v", retry)
	}
}
