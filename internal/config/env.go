// Package config handles environment-based configuration loading for the proxy.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Backends
	PrimaryURL string
	ReplicaURL string

	// Durable store
	DatabaseURL string

	// Network
	ListenAddress string
	ProxyPort     int
	MaxBodyBytes  int64

	// Health probing
	CheckInterval    time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int

	// WAL sync
	WALSyncInterval        time.Duration
	WALBatchSize           int
	WALHighVolumeBatchSize int
	WALMemoryThreshold     int
	WALCPUThreshold        int
	WALRetryAttempts       int
	WALRetryDelay          time.Duration
	WALDeletionConversion  bool

	// Ledger recovery
	LedgerRecoveryInterval time.Duration
	LedgerMaxRetries       int

	// Routing
	ReadReplicaRatio  float64
	ConsistencyWindow time.Duration

	// Limits
	RequestTimeout time.Duration
	MaxWorkers     int
	MaxMemoryMB    int
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error listing every invalid or missing variable.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Backends ---
	cfg.PrimaryURL = strings.TrimSpace(os.Getenv("PRIMARY_URL"))
	cfg.ReplicaURL = strings.TrimSpace(os.Getenv("REPLICA_URL"))

	// --- Durable store ---
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("LISTEN_ADDRESS", "0.0.0.0"))
	cfg.ProxyPort = envInt("PROXY_PORT", 8080, &errs)
	cfg.MaxBodyBytes = int64(envInt("MAX_BODY_BYTES", 32<<20, &errs))

	// --- Health probing ---
	cfg.CheckInterval = envSeconds("CHECK_INTERVAL", 30, &errs)
	cfg.ProbeTimeout = envSeconds("PROBE_TIMEOUT", 10, &errs)
	cfg.FailureThreshold = envInt("FAILURE_THRESHOLD", 3, &errs)

	// --- WAL sync ---
	cfg.WALSyncInterval = envSeconds("WAL_SYNC_INTERVAL", 10, &errs)
	cfg.WALBatchSize = envInt("WAL_BATCH_SIZE", 50, &errs)
	cfg.WALHighVolumeBatchSize = envInt("WAL_HIGH_VOLUME_BATCH_SIZE", 200, &errs)
	cfg.WALMemoryThreshold = envInt("WAL_MEMORY_THRESHOLD", 80, &errs)
	cfg.WALCPUThreshold = envInt("WAL_CPU_THRESHOLD", 80, &errs)
	cfg.WALRetryAttempts = envInt("WAL_RETRY_ATTEMPTS", 3, &errs)
	cfg.WALRetryDelay = envSeconds("WAL_RETRY_DELAY", 5, &errs)
	cfg.WALDeletionConversion = envBool("WAL_DELETION_CONVERSION", true, &errs)

	// --- Ledger recovery ---
	cfg.LedgerRecoveryInterval = envSeconds("LEDGER_RECOVERY_INTERVAL", 30, &errs)
	cfg.LedgerMaxRetries = envInt("LEDGER_MAX_RETRIES", 3, &errs)

	// --- Routing ---
	cfg.ReadReplicaRatio = envFloat("READ_REPLICA_RATIO", 0.8, &errs)
	cfg.ConsistencyWindow = envSeconds("CONSISTENCY_WINDOW", 30, &errs)

	// --- Limits ---
	cfg.RequestTimeout = envSeconds("REQUEST_TIMEOUT", 15, &errs)
	cfg.MaxWorkers = envInt("MAX_WORKERS", 3, &errs)
	cfg.MaxMemoryMB = envInt("MAX_MEMORY_MB", 450, &errs)

	// --- Validation ---
	validateBackendURL("PRIMARY_URL", cfg.PrimaryURL, &errs)
	validateBackendURL("REPLICA_URL", cfg.ReplicaURL, &errs)
	if cfg.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "LISTEN_ADDRESS must not be empty")
	}
	validatePort("PROXY_PORT", cfg.ProxyPort, &errs)
	if cfg.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Sprintf("MAX_BODY_BYTES: must be positive, got %d", cfg.MaxBodyBytes))
	}

	validatePositiveDuration("CHECK_INTERVAL", cfg.CheckInterval, &errs)
	validatePositiveDuration("PROBE_TIMEOUT", cfg.ProbeTimeout, &errs)
	validatePositive("FAILURE_THRESHOLD", cfg.FailureThreshold, &errs)

	validatePositiveDuration("WAL_SYNC_INTERVAL", cfg.WALSyncInterval, &errs)
	validatePositive("WAL_BATCH_SIZE", cfg.WALBatchSize, &errs)
	validatePositive("WAL_HIGH_VOLUME_BATCH_SIZE", cfg.WALHighVolumeBatchSize, &errs)
	if cfg.WALHighVolumeBatchSize < cfg.WALBatchSize {
		errs = append(errs, "WAL_HIGH_VOLUME_BATCH_SIZE must be greater than or equal to WAL_BATCH_SIZE")
	}
	validatePercent("WAL_MEMORY_THRESHOLD", cfg.WALMemoryThreshold, &errs)
	validatePercent("WAL_CPU_THRESHOLD", cfg.WALCPUThreshold, &errs)
	validatePositive("WAL_RETRY_ATTEMPTS", cfg.WALRetryAttempts, &errs)
	validatePositiveDuration("WAL_RETRY_DELAY", cfg.WALRetryDelay, &errs)

	validatePositiveDuration("LEDGER_RECOVERY_INTERVAL", cfg.LedgerRecoveryInterval, &errs)
	validatePositive("LEDGER_MAX_RETRIES", cfg.LedgerMaxRetries, &errs)

	if cfg.ReadReplicaRatio < 0 || cfg.ReadReplicaRatio > 1 {
		errs = append(errs, fmt.Sprintf("READ_REPLICA_RATIO: must be within [0,1], got %g", cfg.ReadReplicaRatio))
	}
	validatePositiveDuration("CONSISTENCY_WINDOW", cfg.ConsistencyWindow, &errs)

	validatePositiveDuration("REQUEST_TIMEOUT", cfg.RequestTimeout, &errs)
	validatePositive("MAX_WORKERS", cfg.MaxWorkers, &errs)
	validatePositive("MAX_MEMORY_MB", cfg.MaxMemoryMB, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

// envSeconds reads an integer second count and returns it as a Duration.
func envSeconds(key string, defaultSecs int, errs *[]string) time.Duration {
	return time.Duration(envInt(key, defaultSecs, errs)) * time.Second
}

func envFloat(key string, defaultVal float64, errs *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid float %q", key, v))
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func validateBackendURL(name, value string, errs *[]string) {
	if value == "" {
		*errs = append(*errs, fmt.Sprintf("%s is required", name))
		return
	}
	u, err := url.Parse(value)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		*errs = append(*errs, fmt.Sprintf("%s: must be an http(s) URL, got %q", name, value))
	}
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %s", name, value))
	}
}

func validatePercent(name string, value int, errs *[]string) {
	if value < 1 || value > 100 {
		*errs = append(*errs, fmt.Sprintf("%s: must be within 1-100, got %d", name, value))
	}
}
