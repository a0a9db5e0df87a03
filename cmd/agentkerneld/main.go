// Command agentkerneld is the host supervisor daemon: it selects a
// sandbox backend, maintains the warm pool, and (when configured) runs
// the policy engine that authorizes every sandbox operation.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/thrashr888/agentkernel/internal/backend"
	"github.com/thrashr888/agentkernel/internal/config"
	"github.com/thrashr888/agentkernel/internal/crypto"
	"github.com/thrashr888/agentkernel/internal/firecracker"
	"github.com/thrashr888/agentkernel/internal/policy"
	"github.com/thrashr888/agentkernel/internal/pool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("agentkerneld: load config: %v", err)
	}

	kind := backend.Kind(cfg.Backend)
	if kind == "" {
		kind = backend.DetectBest()
	}
	log.Printf("agentkerneld: selected backend %q", kind)

	factory, err := newFactory(kind, cfg)
	if err != nil {
		log.Fatalf("agentkerneld: build backend factory: %v", err)
	}

	p := pool.New(pool.Config{
		TargetSize:          cfg.PoolTargetSize,
		MaxConcurrentStarts: cfg.PoolMaxConcurrent,
		MaxAge:              cfg.PoolMaxAge,
	}, factory)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx, "base"); err != nil {
		log.Fatalf("agentkerneld: start pool: %v", err)
	}
	defer p.Stop(ctx)

	var engine *policy.PolicyEngine
	if cfg.PolicyEnabled {
		engine, err = startPolicyEngine(ctx, cfg)
		if err != nil {
			log.Fatalf("agentkerneld: start policy engine: %v", err)
		}
		defer engine.Shutdown()
	}

	log.Printf("agentkerneld: running (backend=%s pool_target=%d policy_enabled=%v)", kind, cfg.PoolTargetSize, cfg.PolicyEnabled)
	<-ctx.Done()
	log.Printf("agentkerneld: shutting down")
}

// newFactory builds a pool.Factory that provisions sandboxes of kind,
// naming each with a fresh UUID so concurrent provisions never collide.
func newFactory(kind backend.Kind, cfg *config.Config) (pool.Factory, error) {
	switch kind {
	case backend.KindDocker, backend.KindPodman:
		return func(ctx context.Context, runtimeTag string) (backend.Sandbox, error) {
			bcfg := backend.DefaultConfig()
			bcfg.Image = runtimeTag
			sb := backend.NewContainerSandbox("sbx-"+uuid.NewString(), kind, string(kind))
			if err := sb.Start(ctx, bcfg); err != nil {
				return nil, fmt.Errorf("start container sandbox: %w", err)
			}
			return sb, nil
		}, nil

	case backend.KindFirecracker:
		mgr, err := firecracker.NewManager(firecracker.Config{
			DataDir:        cfg.DataDir,
			KernelPath:     cfg.KernelPath,
			FirecrackerBin: cfg.FirecrackerBin,
		})
		if err != nil {
			return nil, fmt.Errorf("create firecracker manager: %w", err)
		}
		return func(ctx context.Context, runtimeTag string) (backend.Sandbox, error) {
			bcfg := backend.DefaultConfig()
			bcfg.Image = runtimeTag
			sb := backend.NewFirecrackerSandbox("sbx-"+uuid.NewString(), mgr, cfg.ImagesDir)
			if err := sb.Start(ctx, bcfg); err != nil {
				return nil, fmt.Errorf("start firecracker sandbox: %w", err)
			}
			return sb, nil
		}, nil

	case backend.KindApple:
		return func(ctx context.Context, runtimeTag string) (backend.Sandbox, error) {
			bcfg := backend.DefaultConfig()
			bcfg.Image = runtimeTag
			sb := backend.NewAppleSandbox("sbx-" + uuid.NewString())
			if err := sb.Start(ctx, bcfg); err != nil {
				return nil, fmt.Errorf("start apple container sandbox: %w", err)
			}
			return sb, nil
		}, nil

	default:
		return nil, fmt.Errorf("unsupported backend kind %q", kind)
	}
}

const policyAPIKeyCacheFile = "apikey.enc"

// resolvePolicyAPIKey persists apiKey (AES-256-GCM, via internal/crypto)
// next to the policy cache so a restart can reconnect to the policy
// server even if PolicyAPIKeyEnv is transiently unset in the environment.
// An empty apiKey falls back to whatever was last cached.
func resolvePolicyAPIKey(cacheDir, apiKey string) (string, error) {
	path := filepath.Join(cacheDir, policyAPIKeyCacheFile)

	if apiKey != "" {
		enc, err := crypto.Encrypt(apiKey)
		if err != nil {
			return "", fmt.Errorf("encrypt policy api key: %w", err)
		}
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return "", fmt.Errorf("create policy cache dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(enc), 0o600); err != nil {
			return "", fmt.Errorf("cache policy api key: %w", err)
		}
		return apiKey, nil
	}

	stored, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read cached policy api key: %w", err)
	}
	return crypto.Decrypt(string(stored))
}

// startPolicyEngine builds a policy.PolicyEngine from cfg and starts its
// fetch/poll loop (if a policy server is configured).
func startPolicyEngine(ctx context.Context, cfg *config.Config) (*policy.PolicyEngine, error) {
	var client *policy.Client
	if cfg.PolicyServer != "" {
		var apiKey string
		if cfg.PolicyAPIKeyEnv != "" {
			apiKey = os.Getenv(cfg.PolicyAPIKeyEnv)
		}
		apiKey, err := resolvePolicyAPIKey(cfg.PolicyCacheDir, apiKey)
		if err != nil {
			return nil, fmt.Errorf("resolve policy api key: %w", err)
		}
		client = policy.NewClient(cfg.PolicyServer, apiKey)
	}

	engine, err := policy.NewPolicyEngine(policy.EngineConfig{
		CacheDir:     cfg.PolicyCacheDir,
		Client:       client,
		TrustAnchors: policy.BuildTrustAnchors(cfg.PolicyTrustKeys),
		OrgID:        cfg.PolicyOrgID,
		AuditDir:     cfg.PolicyAuditDir,
		OfflineMode:  cfg.PolicyOfflineMode,
		CacheMaxAge:  cfg.PolicyCacheMaxAge,
	})
	if err != nil {
		return nil, err
	}
	if err := engine.Start(ctx); err != nil {
		return nil, err
	}
	return engine, nil
}
