package main

import (
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"files-manager/internal/testsupport/redisstub"
)

func TestRunRequiresRedisQueue(t *testing.T) {
	env := func(key string) (string, bool) {
		if key == "FILES_MANAGER_QUEUE_DRIVER" {
			return "memory", true
		}
		return "", false
	}
	err := run(context.Background(), nil, env, nil)
	if err == nil || !strings.Contains(err.Error(), "redis queue driver") {
		t.Fatalf("expected redis queue requirement, got %v", err)
	}
}

func TestRunConsumesUntilCancelled(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	env := map[string]string{
		"FILES_MANAGER_STORAGE_DRIVER": "memory",
		"FILES_MANAGER_TOKEN_STORE":    "memory",
		"FILES_MANAGER_QUEUE_DRIVER":   "redis",
		"FILES_MANAGER_REDIS_ADDRS":    srv.Addr(),
		"FILES_MANAGER_LOG_LEVEL":      "error",
		"FOLDER_PATH":                  t.TempDir(),
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"-addr", addr}, lookup, ready)
	}()

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("run returned before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not start")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not shut down")
	}
}
