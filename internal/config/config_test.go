package config

import (
	"os"
	"testing"
	"time"
)

func clearAgentkernelEnv() {
	for _, k := range []string{
		"AGENTKERNEL_LOG_LEVEL", "AGENTKERNEL_BACKEND", "AGENTKERNEL_DATA_DIR",
		"FIRECRACKER_BIN", "AGENTKERNEL_KERNEL_PATH", "AGENTKERNEL_IMAGES_DIR",
		"AGENTKERNEL_POOL_TARGET_SIZE", "AGENTKERNEL_POOL_MAX_CONCURRENT_STARTS",
		"AGENTKERNEL_POOL_MAX_AGE", "AGENTKERNEL_POOL_COORDINATOR_REDIS_URL",
		"AGENTKERNEL_POLICY_ENABLED", "AGENTKERNEL_POLICY_SERVER",
		"AGENTKERNEL_POLICY_API_KEY_ENV", "AGENTKERNEL_POLICY_ORG_ID",
		"AGENTKERNEL_CACHE_DIR", "AGENTKERNEL_AUDIT_DIR",
		"AGENTKERNEL_POLICY_OFFLINE_MODE", "AGENTKERNEL_POLICY_CACHE_MAX_AGE",
		"AGENTKERNEL_POLICY_TRUST_KEYS", "AGENTKERNEL_SECRETS_ARN",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearAgentkernelEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("expected log level info, got %s", cfg.LogLevel)
	}
	if cfg.Backend != "" {
		t.Errorf("expected empty backend (auto-detect), got %s", cfg.Backend)
	}
	if cfg.DataDir != "/var/lib/agentkernel" {
		t.Errorf("expected default data dir, got %s", cfg.DataDir)
	}
	if cfg.FirecrackerBin != "firecracker" {
		t.Errorf("expected default firecracker bin, got %s", cfg.FirecrackerBin)
	}
	if cfg.PoolTargetSize != 2 {
		t.Errorf("expected default pool target size 2, got %d", cfg.PoolTargetSize)
	}
	if cfg.PoolMaxAge != 30*time.Minute {
		t.Errorf("expected default pool max age 30m, got %s", cfg.PoolMaxAge)
	}
	if cfg.PolicyEnabled {
		t.Error("expected policy disabled by default")
	}
	if cfg.PolicyOfflineMode != "cached_with_expiry" {
		t.Errorf("expected default offline mode cached_with_expiry, got %s", cfg.PolicyOfflineMode)
	}
	if cfg.PolicyTrustKeys != nil {
		t.Errorf("expected no trust keys by default, got %v", cfg.PolicyTrustKeys)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearAgentkernelEnv()
	os.Setenv("AGENTKERNEL_BACKEND", "docker")
	os.Setenv("AGENTKERNEL_POOL_TARGET_SIZE", "5")
	os.Setenv("AGENTKERNEL_POLICY_ENABLED", "true")
	os.Setenv("AGENTKERNEL_POLICY_SERVER", "https://policy.example.com")
	os.Setenv("AGENTKERNEL_POLICY_TRUST_KEYS", "key1, key2,key3")
	os.Setenv("AGENTKERNEL_POLICY_CACHE_MAX_AGE", "2h")
	defer clearAgentkernelEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Backend != "docker" {
		t.Errorf("expected backend docker, got %s", cfg.Backend)
	}
	if cfg.PoolTargetSize != 5 {
		t.Errorf("expected pool target size 5, got %d", cfg.PoolTargetSize)
	}
	if !cfg.PolicyEnabled {
		t.Error("expected policy enabled")
	}
	if cfg.PolicyServer != "https://policy.example.com" {
		t.Errorf("expected policy server URL, got %s", cfg.PolicyServer)
	}
	if len(cfg.PolicyTrustKeys) != 3 || cfg.PolicyTrustKeys[0] != "key1" {
		t.Errorf("expected 3 parsed trust keys, got %v", cfg.PolicyTrustKeys)
	}
	if cfg.PolicyCacheMaxAge != 2*time.Hour {
		t.Errorf("expected cache max age 2h, got %s", cfg.PolicyCacheMaxAge)
	}
}

func TestLoadInvalidPoolTargetSizeFallsBackToDefault(t *testing.T) {
	clearAgentkernelEnv()
	os.Setenv("AGENTKERNEL_POOL_TARGET_SIZE", "not-a-number")
	defer clearAgentkernelEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.PoolTargetSize != 2 {
		t.Errorf("expected fallback to default 2 on unparseable value, got %d", cfg.PoolTargetSize)
	}
}
