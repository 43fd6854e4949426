package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	manager := NewTokenManager(time.Minute)
	token, expiresAt, err := manager.Issue(ctx, "user-123")
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	if len(token) != 64 {
		t.Fatalf("expected 64 hex characters, got %d", len(token))
	}
	if expiresAt.Before(time.Now()) {
		t.Fatal("expected expiry in the future")
	}

	userID, ok, err := manager.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if !ok || userID != "user-123" {
		t.Fatalf("expected user-123, got %q ok=%v", userID, ok)
	}

	revoked, err := manager.Revoke(ctx, token)
	if err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}
	if !revoked {
		t.Fatal("expected first revoke to report a removed token")
	}
	if _, ok, err := manager.Resolve(ctx, token); err != nil || ok {
		t.Fatalf("expected revoked token to be absent, ok=%v err=%v", ok, err)
	}

	revoked, err = manager.Revoke(ctx, token)
	if err != nil {
		t.Fatalf("second Revoke returned error: %v", err)
	}
	if revoked {
		t.Fatal("expected second revoke to be a no-op")
	}
}

func TestTokenDefaultsTo24Hours(t *testing.T) {
	manager := NewTokenManager(0)
	if manager.TTL() != 24*time.Hour {
		t.Fatalf("expected 24h ttl, got %s", manager.TTL())
	}
}

func TestTokenExpiresWithoutSweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTokenStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	manager := NewTokenManager(time.Hour, WithBackend(store))

	token, _, err := manager.Issue(ctx, "user-123")
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	now = now.Add(time.Hour)
	if _, ok, err := manager.Resolve(ctx, token); err != nil || ok {
		t.Fatalf("expected expired token to be absent, ok=%v err=%v", ok, err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected expired entry to be dropped on read, got %d entries", store.Len())
	}
}

func TestResolveMalformedTokens(t *testing.T) {
	manager := NewTokenManager(time.Minute)
	for _, token := range []string{"", "   ", "not-a-token", strings.Repeat("z", 500)} {
		userID, ok, err := manager.Resolve(context.Background(), token)
		if err != nil {
			t.Fatalf("Resolve(%q) returned error: %v", token, err)
		}
		if ok || userID != "" {
			t.Fatalf("Resolve(%q) expected absent, got %q", token, userID)
		}
	}
}

func TestIssueRequiresUserID(t *testing.T) {
	manager := NewTokenManager(time.Minute)
	if _, _, err := manager.Issue(context.Background(), ""); err != ErrInvalidUserID {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestBackendStoresDigestOnly(t *testing.T) {
	store := NewMemoryTokenStore()
	manager := NewTokenManager(time.Minute, WithBackend(store))
	token, _, err := manager.Issue(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	for key := range store.tokens {
		if strings.Contains(key, token) {
			t.Fatalf("backend key %q contains the raw token", key)
		}
		if !strings.HasPrefix(key, tokenKeyPrefix) {
			t.Fatalf("backend key %q missing prefix", key)
		}
	}
}

func TestConcurrentResolveAcrossManagers(t *testing.T) {
	store := NewMemoryTokenStore()
	primary := NewTokenManager(time.Minute, WithBackend(store))
	token, _, err := primary.Issue(context.Background(), "user-xyz")
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	const workers = 8
	wg := sync.WaitGroup{}
	wg.Add(workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			replica := NewTokenManager(time.Minute, WithBackend(store))
			userID, ok, err := replica.Resolve(context.Background(), token)
			if err != nil {
				errs <- err
				return
			}
			if !ok {
				errs <- fmt.Errorf("token rejected by replica")
				return
			}
			if userID != "user-xyz" {
				errs <- fmt.Errorf("unexpected user id %s", userID)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("replica resolve error: %v", err)
	}
}
