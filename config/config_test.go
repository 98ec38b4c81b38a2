package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/soundloom/contextd/store"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	config, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.Store.Backend != store.BackendMemory {
		t.Errorf("default store backend = %q", config.Store.Backend)
	}
	if config.Providers.MaxTokensPerProvider != 4096 {
		t.Errorf("default provider cap = %d", config.Providers.MaxTokensPerProvider)
	}
	if config.Contexts.CompressionTrigger == 0 {
		t.Error("compression trigger not defaulted")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contextd.yaml")
	doc := `store:
  backend: file
  dir: /tmp/contextd-test
contexts:
  lock_timeout: 3s
providers:
  max_tokens_per_provider: 1024
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.Store.Backend != store.BackendFile {
		t.Errorf("store backend = %q, want file", config.Store.Backend)
	}
	if config.Store.Dir != "/tmp/contextd-test" {
		t.Errorf("store dir = %q", config.Store.Dir)
	}
	if config.Contexts.LockTimeout != 3*time.Second {
		t.Errorf("lock timeout = %v, want 3s", config.Contexts.LockTimeout)
	}
	if config.Providers.MaxTokensPerProvider != 1024 {
		t.Errorf("provider cap = %d, want 1024", config.Providers.MaxTokensPerProvider)
	}

	// Fields the file does not mention keep their defaults.
	if config.Providers.RequestTimeout != 2*time.Minute {
		t.Errorf("request timeout = %v, want default 2m", config.Providers.RequestTimeout)
	}
	if config.Resources.PressureHighWater != 0.9 {
		t.Errorf("pressure high water = %v, want default 0.9", config.Resources.PressureHighWater)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load of missing file succeeded")
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("store: [not a mapping"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load of malformed file succeeded")
	}
}
