package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_AppliesDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Dedupe.Backend != "memory" || cfg.Dedupe.TTL != 10*time.Minute {
		t.Errorf("unexpected dedupe defaults %+v", cfg.Dedupe)
	}
	if cfg.Outbound.PartitionCount != 8 || cfg.Outbound.QueueCapacity != 256 {
		t.Errorf("unexpected outbound defaults %+v", cfg.Outbound)
	}
	if cfg.Ingest.PolicyTimeoutFallback != "deny" {
		t.Errorf("unexpected ingest defaults %+v", cfg.Ingest)
	}
	if cfg.Instance.MaxReconnectAttempts != 10 || cfg.Instance.ProbeInterval != 30*time.Second {
		t.Errorf("unexpected instance defaults %+v", cfg.Instance)
	}
	if cfg.Webhook.Listen != ":8080" || cfg.Webhook.MountPath != "/webhooks" {
		t.Errorf("unexpected webhook defaults %+v", cfg.Webhook)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestParse_OverridesAndValidates(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(`
outbound:
  partition_count: 4
  queue_capacity: 32
dedupe:
  backend: memory
  ttl: 5m
webhook:
  listen: ":9090"
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Outbound.PartitionCount != 4 || cfg.Outbound.QueueCapacity != 32 {
		t.Errorf("overrides not applied: %+v", cfg.Outbound)
	}
	if cfg.Dedupe.TTL != 5*time.Minute {
		t.Errorf("ttl not parsed: %v", cfg.Dedupe.TTL)
	}
	if cfg.Webhook.Listen != ":9090" {
		t.Errorf("listen not applied: %v", cfg.Webhook.Listen)
	}
	// Untouched sections still pick up defaults.
	if cfg.Instance.MaxRestarts != 5 {
		t.Errorf("instance defaults missing: %+v", cfg.Instance)
	}
}

func TestParse_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad pressure ordering", "outbound:\n  warn_ratio: 0.9\n  degraded_ratio: 0.5\n"},
		{"bad dedupe backend", "dedupe:\n  backend: etcd\n"},
		{"redis without addr", "dedupe:\n  backend: redis\n"},
		{"bad policy fallback", "ingest:\n  policy_timeout_fallback: maybe\n"},
		{"malformed yaml", "outbound: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewLoader().Parse([]byte(tc.yaml)); err == nil {
				t.Errorf("expected error for %q", tc.yaml)
			}
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fabric.yaml")
	if err := os.WriteFile(path, []byte("outbound:\n  partition_count: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Outbound.PartitionCount != 2 {
		t.Errorf("unexpected partition count %d", cfg.Outbound.PartitionCount)
	}

	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRedactOpts(t *testing.T) {
	opts := map[string]any{
		"bot_token":  "123:abc",
		"api_key":    "xyz",
		"endpoint":   "https://api.example.com",
		"nested":     map[string]any{"webhook_secret": "shh", "room": "100"},
		"batch_size": 10,
	}
	out := RedactOpts(opts)

	if out["bot_token"] != "***" || out["api_key"] != "***" {
		t.Errorf("secrets not masked: %+v", out)
	}
	if out["endpoint"] != "https://api.example.com" || out["batch_size"] != 10 {
		t.Errorf("non-secrets must pass through: %+v", out)
	}
	nested := out["nested"].(map[string]any)
	if nested["webhook_secret"] != "***" || nested["room"] != "100" {
		t.Errorf("nested maps must be redacted recursively: %+v", nested)
	}
	// The input map is untouched.
	if opts["bot_token"] != "123:abc" {
		t.Error("redaction must not mutate the input")
	}
	if RedactOpts(nil) != nil {
		t.Error("nil opts stay nil")
	}
}
