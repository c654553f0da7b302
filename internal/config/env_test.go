package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("PRIMARY_URL", "http://primary:8000")
	t.Setenv("REPLICA_URL", "http://replica:8000")
	t.Setenv("DATABASE_URL", "/var/lib/replivec/state.db")
}

func TestLoadEnvConfigDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ProxyPort != 8080 {
		t.Errorf("ProxyPort: got %d, want 8080", cfg.ProxyPort)
	}
	if cfg.WALSyncInterval != 10*time.Second {
		t.Errorf("WALSyncInterval: got %v, want 10s", cfg.WALSyncInterval)
	}
	if cfg.WALBatchSize != 50 || cfg.WALHighVolumeBatchSize != 200 {
		t.Errorf("batch bounds: got %d/%d", cfg.WALBatchSize, cfg.WALHighVolumeBatchSize)
	}
	if cfg.ReadReplicaRatio != 0.8 {
		t.Errorf("ReadReplicaRatio: got %g, want 0.8", cfg.ReadReplicaRatio)
	}
	if !cfg.WALDeletionConversion {
		t.Error("WALDeletionConversion must default on")
	}
	if cfg.MaxMemoryMB != 450 {
		t.Errorf("MaxMemoryMB: got %d, want 450", cfg.MaxMemoryMB)
	}
}

func TestLoadEnvConfigOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PROXY_PORT", "9090")
	t.Setenv("READ_REPLICA_RATIO", "0.25")
	t.Setenv("WAL_DELETION_CONVERSION", "false")
	t.Setenv("CONSISTENCY_WINDOW", "120")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ProxyPort != 9090 || cfg.ReadReplicaRatio != 0.25 {
		t.Fatalf("overrides: port %d, ratio %g", cfg.ProxyPort, cfg.ReadReplicaRatio)
	}
	if cfg.WALDeletionConversion {
		t.Fatal("WAL_DELETION_CONVERSION=false must stick")
	}
	if cfg.ConsistencyWindow != 2*time.Minute {
		t.Fatalf("ConsistencyWindow: got %v", cfg.ConsistencyWindow)
	}
}

func TestLoadEnvConfigAggregatesErrors(t *testing.T) {
	t.Setenv("PRIMARY_URL", "not a url")
	t.Setenv("REPLICA_URL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PROXY_PORT", "banana")
	t.Setenv("READ_REPLICA_RATIO", "1.5")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{"PRIMARY_URL", "REPLICA_URL", "DATABASE_URL", "PROXY_PORT", "READ_REPLICA_RATIO"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error must name %s, got:\n%s", want, err)
		}
	}
}

func TestLoadEnvConfigRejectsInvertedBatchBounds(t *testing.T) {
	setRequired(t)
	t.Setenv("WAL_BATCH_SIZE", "200")
	t.Setenv("WAL_HIGH_VOLUME_BATCH_SIZE", "50")

	_, err := LoadEnvConfig()
	if err == nil || !strings.Contains(err.Error(), "WAL_HIGH_VOLUME_BATCH_SIZE") {
		t.Fatalf("expected batch bound error, got %v", err)
	}
}
