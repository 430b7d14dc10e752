package routing

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolverResolveQueue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queues.json")
	data := `{
  "default_queue": "automation",
  "queues": {
    "automation": 3,
    "automation-high": 6
  },
  "queue_map": {
    "billing.payment.failed": "automation-high"
  }
}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write queues file: %v", err)
	}
	resolver, err := Load(path)
	if err != nil {
		t.Fatalf("load queues: %v", err)
	}
	if got := resolver.ResolveQueue("billing.payment.failed"); got != "automation-high" {
		t.Fatalf("expected automation-high, got %q", got)
	}
	if got := resolver.ResolveQueue("link.created"); got != "automation" {
		t.Fatalf("expected default automation, got %q", got)
	}
	weights := resolver.Weights()
	if weights["automation-high"] != 6 || weights["automation"] != 3 {
		t.Fatalf("unexpected weights: %v", weights)
	}
}

func TestLoadRejectsUnknownQueue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queues.json")
	data := `{
  "queues": {"automation": 1},
  "queue_map": {"link.created": "missing"}
}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write queues file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown queue reference")
	}
}

func TestDefaultResolver(t *testing.T) {
	resolver := Default("")
	if got := resolver.ResolveQueue("link.created"); got != "automation" {
		t.Fatalf("expected automation, got %q", got)
	}
	if weights := resolver.Weights(); weights["automation"] != 1 {
		t.Fatalf("unexpected weights: %v", weights)
	}
}
