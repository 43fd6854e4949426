package redisconn

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"files-manager/internal/testsupport/redisstub"
)

func TestAddressesDeduplicates(t *testing.T) {
	cfg := Config{Addr: " 127.0.0.1:6379 ", Addrs: []string{"127.0.0.1:6379", "", "10.0.0.2:6379"}}
	got := cfg.Addresses()
	if len(got) != 2 || got[0] != "127.0.0.1:6379" || got[1] != "10.0.0.2:6379" {
		t.Fatalf("unexpected addresses %v", got)
	}
}

func TestNewClientRequiresAddr(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error without address")
	}
}

func TestNewClientRejectsInvalidCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	if _, err := NewClient(Config{Addr: "127.0.0.1:6379", TLS: TLSConfig{CAFile: path}}); err == nil {
		t.Fatal("expected invalid CA to be rejected")
	}
}

func TestPingAgainstStub(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	client, err := NewClient(Config{Addr: srv.Addr(), Password: "secret"})
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	if err := Ping(context.Background(), client); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
}
