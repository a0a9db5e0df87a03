package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Config holds all configuration for the sandbox supervisor daemon.
type Config struct {
	LogLevel string

	// Backend selection and data directory
	Backend string // "" means auto-detect via backend.DetectBest
	DataDir string

	// Firecracker microVM configuration
	FirecrackerBin string
	KernelPath     string
	ImagesDir      string

	// Warm pool
	PoolTargetSize       int
	PoolMaxConcurrent    int
	PoolMaxAge           time.Duration
	PoolCoordinatorRedis string // Redis URL; empty means in-process coordinator

	// Policy engine
	PolicyEnabled     bool
	PolicyServer      string // base URL; empty disables remote fetch/poll
	PolicyAPIKeyEnv   string // env var name holding the policy server API key
	PolicyOrgID       string
	PolicyCacheDir    string
	PolicyAuditDir    string
	PolicyOfflineMode string
	PolicyCacheMaxAge time.Duration
	PolicyTrustKeys   []string

	// AWS Secrets Manager — if set, secrets are fetched at startup using IAM
	// credentials and applied to the process environment before the rest of
	// Load runs, so env vars set here still take precedence over the secret.
	SecretsARN string
}

// Load reads configuration from environment variables with sensible
// defaults. If AGENTKERNEL_SECRETS_ARN is set, secrets are fetched from AWS
// Secrets Manager first, then environment variables are applied on top.
func Load() (*Config, error) {
	if arn := os.Getenv("AGENTKERNEL_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManagerSecrets(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		LogLevel: envOrDefault("AGENTKERNEL_LOG_LEVEL", "info"),

		Backend: os.Getenv("AGENTKERNEL_BACKEND"),
		DataDir: envOrDefault("AGENTKERNEL_DATA_DIR", "/var/lib/agentkernel"),

		FirecrackerBin: envOrDefault("FIRECRACKER_BIN", "firecracker"),
		KernelPath:     os.Getenv("AGENTKERNEL_KERNEL_PATH"),
		ImagesDir:      os.Getenv("AGENTKERNEL_IMAGES_DIR"),

		PoolTargetSize:       envOrDefaultInt("AGENTKERNEL_POOL_TARGET_SIZE", 2),
		PoolMaxConcurrent:    envOrDefaultInt("AGENTKERNEL_POOL_MAX_CONCURRENT_STARTS", 4),
		PoolMaxAge:           envOrDefaultDuration("AGENTKERNEL_POOL_MAX_AGE", 30*time.Minute),
		PoolCoordinatorRedis: os.Getenv("AGENTKERNEL_POOL_COORDINATOR_REDIS_URL"),

		PolicyEnabled:     os.Getenv("AGENTKERNEL_POLICY_ENABLED") == "true",
		PolicyServer:      os.Getenv("AGENTKERNEL_POLICY_SERVER"),
		PolicyAPIKeyEnv:   os.Getenv("AGENTKERNEL_POLICY_API_KEY_ENV"),
		PolicyOrgID:       os.Getenv("AGENTKERNEL_POLICY_ORG_ID"),
		PolicyCacheDir:    envOrDefault("AGENTKERNEL_CACHE_DIR", "/var/lib/agentkernel/policy-cache"),
		PolicyAuditDir:    envOrDefault("AGENTKERNEL_AUDIT_DIR", "/var/lib/agentkernel/audit"),
		PolicyOfflineMode: envOrDefault("AGENTKERNEL_POLICY_OFFLINE_MODE", "cached_with_expiry"),
		PolicyCacheMaxAge: envOrDefaultDuration("AGENTKERNEL_POLICY_CACHE_MAX_AGE", 24*time.Hour),
		PolicyTrustKeys:   envOrDefaultList("AGENTKERNEL_POLICY_TRUST_KEYS"),

		SecretsARN: os.Getenv("AGENTKERNEL_SECRETS_ARN"),
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOrDefaultList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadSecretsManagerSecrets fetches a JSON secret from AWS Secrets Manager
// and sets any values as environment variables (only if not already set, so
// explicit env vars always win). Uses the default AWS credential chain (IAM
// instance profile, or ~/.aws/credentials locally).
func loadSecretsManagerSecrets(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}

	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, len(secrets))
	return nil
}
