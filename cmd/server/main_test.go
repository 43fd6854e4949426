package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func memoryEnv(t *testing.T) func(string) (string, bool) {
	env := map[string]string{
		"FILES_MANAGER_STORAGE_DRIVER": "memory",
		"FILES_MANAGER_TOKEN_STORE":    "memory",
		"FILES_MANAGER_QUEUE_DRIVER":   "memory",
		"FILES_MANAGER_LOG_LEVEL":      "error",
		"FOLDER_PATH":                  t.TempDir(),
	}
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestRunServesAPIAndShutsDown(t *testing.T) {
	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"-addr", addr, "-embedded-worker"}, memoryEnv(t), ready)
	}()

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("run returned before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Post("http://"+addr+"/users", "application/json", strings.NewReader(`{"email":"a@example.com","password":"pw"}`))
	if err != nil {
		t.Fatalf("POST /users: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	resp, err = http.Get("http://" + addr + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	var stats map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	resp.Body.Close()
	if stats["users"] != 1 || stats["files"] != 0 {
		t.Fatalf("unexpected stats %v", stats)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunRejectsInvalidConfiguration(t *testing.T) {
	err := run(context.Background(), []string{"-blob-driver", "ftp"}, memoryEnv(t), nil)
	if err == nil || !strings.Contains(err.Error(), "unknown blob driver") {
		t.Fatalf("expected blob driver error, got %v", err)
	}
}

func TestRunHelp(t *testing.T) {
	err := run(context.Background(), []string{"-h"}, memoryEnv(t), nil)
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected flag.ErrHelp, got %v", err)
	}
}
