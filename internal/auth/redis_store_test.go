package auth

import (
	"context"
	"testing"
	"time"

	"files-manager/internal/redisconn"
	"files-manager/internal/testsupport/redisstub"
)

func newStubbedRedisStore(t *testing.T) (*RedisTokenStore, *redisstub.Server) {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	client, err := redisconn.NewClient(redisconn.Config{Addr: srv.Addr(), Password: "secret"})
	if err != nil {
		t.Fatalf("create redis client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisTokenStore(client)
	if err != nil {
		t.Fatalf("create token store: %v", err)
	}
	return store, srv
}

func TestRedisTokenStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store, srv := newStubbedRedisStore(t)
	manager := NewTokenManager(DefaultTokenTTL, WithBackend(store))

	token, _, err := manager.Issue(ctx, "user-42")
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	key, _ := tokenKey(token)
	ttl := srv.TTL(key)
	if ttl <= 23*time.Hour || ttl > 24*time.Hour {
		t.Fatalf("expected native ttl close to 24h, got %s", ttl)
	}

	userID, ok, err := manager.Resolve(ctx, token)
	if err != nil || !ok || userID != "user-42" {
		t.Fatalf("Resolve = %q ok=%v err=%v", userID, ok, err)
	}

	revoked, err := manager.Revoke(ctx, token)
	if err != nil || !revoked {
		t.Fatalf("Revoke = %v err=%v", revoked, err)
	}
	revoked, err = manager.Revoke(ctx, token)
	if err != nil || revoked {
		t.Fatalf("second Revoke = %v err=%v", revoked, err)
	}
	if _, ok, err := manager.Resolve(ctx, token); err != nil || ok {
		t.Fatalf("expected revoked token to be absent, ok=%v err=%v", ok, err)
	}
	if err := manager.Ping(ctx); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
}

func TestRedisTokenStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store, _ := newStubbedRedisStore(t)
	if err := store.Set(ctx, "auth_short", "user-1", time.Second); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "auth_short"); !ok {
		t.Fatal("expected key before expiry")
	}
	time.Sleep(1100 * time.Millisecond)
	if _, ok, err := store.Get(ctx, "auth_short"); err != nil || ok {
		t.Fatalf("expected key to expire, ok=%v err=%v", ok, err)
	}
}

func TestNewRedisTokenStoreRequiresClient(t *testing.T) {
	if _, err := NewRedisTokenStore(nil); err == nil {
		t.Fatal("expected error for nil client")
	}
}
