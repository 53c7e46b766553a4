package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != DefaultWorkers {
		t.Fatalf("workers = %d, want %d", cfg.Workers, DefaultWorkers)
	}
	if cfg.QueueSize != DefaultQueueSize {
		t.Fatalf("queue_size = %d, want %d", cfg.QueueSize, DefaultQueueSize)
	}
	if cfg.Containerd.Address != DefaultContainerdAddress {
		t.Fatalf("containerd.address = %q", cfg.Containerd.Address)
	}
}

func TestLoadOverridesAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "workers: 8\ncontainerd:\n  namespace: builds\nengines: [native, deb]\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 8 {
		t.Fatalf("workers = %d, want 8", cfg.Workers)
	}
	if cfg.Containerd.Namespace != "builds" {
		t.Fatalf("namespace = %q, want builds", cfg.Containerd.Namespace)
	}
	// Unset fields keep defaults.
	if cfg.Containerd.Address != DefaultContainerdAddress {
		t.Fatalf("address = %q, want default", cfg.Containerd.Address)
	}
	if cfg.QueueSize != DefaultQueueSize {
		t.Fatalf("queue_size = %d, want default", cfg.QueueSize)
	}
	if len(cfg.Engines) != 2 {
		t.Fatalf("engines = %v, want 2 entries", cfg.Engines)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("workers: [not a number\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}
