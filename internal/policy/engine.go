package policy

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// defaultPolicy permits every action on a Sandbox resource and is used
// whenever no remote or cached bundle is available and OfflineMode is
// DefaultPolicy.
const defaultPolicy = `
permit(
    principal is AgentKernel::User,
    action,
    resource is AgentKernel::Sandbox
);
`

// EngineConfig configures a PolicyEngine. A zero-value Client (nil)
// disables remote fetch/poll and leaves the engine running off its
// cache (or the default policy).
type EngineConfig struct {
	CacheDir     string
	Client       *Client
	TrustAnchors []TrustAnchor
	OrgID        string
	AuditDir     string
	OfflineMode  string
	CacheMaxAge  time.Duration
	PollInterval time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.CacheDir == "" {
		c.CacheDir = "/var/lib/agentkernel/policy-cache"
	}
	if c.AuditDir == "" {
		c.AuditDir = "/var/lib/agentkernel/audit"
	}
	if c.CacheMaxAge <= 0 {
		c.CacheMaxAge = 24 * time.Hour
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Minute
	}
	return c
}

// PolicyEngine ties Cedar evaluation, bundle verification, caching,
// polling, and audit logging into the single authorization entry point
// used by every backend operation.
type PolicyEngine struct {
	cedarMu sync.RWMutex
	cedar   *Engine

	cache  *Cache
	audit  *Journal
	client *Client

	trustAnchors []TrustAnchor
	orgID        string

	versionMu sync.RWMutex
	version   uint64

	pollInterval time.Duration
	cancelPoll   context.CancelFunc
	pollDone     chan struct{}
}

// NewPolicyEngine constructs a PolicyEngine: it loads a cached bundle
// (if present and signature-valid). Without one, the DefaultPolicy offline
// mode falls back to the built-in permit-all policy and every other mode
// starts from an empty policy set, which denies every request.
// Call Start to fetch fresh policies and begin background polling.
func NewPolicyEngine(cfg EngineConfig) (*PolicyEngine, error) {
	cfg = cfg.withDefaults()

	mode := OfflineModeFromConfig(cfg.OfflineMode, cfg.CacheMaxAge)
	cache := NewCache(cfg.CacheDir, mode)

	audit, err := OpenJournal(cfg.AuditDir)
	if err != nil {
		return nil, fmt.Errorf("policy: open audit journal: %w", err)
	}

	initialPolicies := ""
	if mode.mode() == "default_policy" {
		initialPolicies = defaultPolicy
	}
	var version uint64

	bundle, loadErr := cache.Load()
	switch {
	case loadErr != nil:
		fmt.Fprintf(os.Stderr, "policy: failed to load cache: %v, using %s fallback\n", loadErr, mode.mode())
	case bundle != nil:
		if len(cfg.TrustAnchors) > 0 {
			if err := VerifyBundle(*bundle, cfg.TrustAnchors, nil); err != nil {
				fmt.Fprintf(os.Stderr, "policy: cached bundle failed verification: %v, using %s fallback\n", err, mode.mode())
			} else {
				initialPolicies = bundle.Policies
				version = bundle.Version
			}
		} else {
			initialPolicies = bundle.Policies
			version = bundle.Version
		}
	}

	cedar, err := NewEngine(initialPolicies)
	if err != nil {
		_ = audit.Close()
		return nil, fmt.Errorf("policy: build cedar engine: %w", err)
	}

	return &PolicyEngine{
		cedar:        cedar,
		cache:        cache,
		audit:        audit,
		client:       cfg.Client,
		trustAnchors: cfg.TrustAnchors,
		orgID:        cfg.OrgID,
		version:      version,
		pollInterval: cfg.PollInterval,
	}, nil
}

// Start fetches fresh policies from the configured Client (if any) and
// begins background polling for updates. Safe to call once; a nil
// Client leaves the engine running off its cache/default policy.
func (pe *PolicyEngine) Start(ctx context.Context) error {
	if pe.client == nil {
		return nil
	}

	if bundle, err := pe.client.FetchBundle(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "policy: could not reach policy server: %v, using cached/default\n", err)
	} else if err := pe.applyBundle(bundle); err != nil {
		fmt.Fprintf(os.Stderr, "policy: failed to apply fetched bundle: %v\n", err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	pe.cancelPoll = cancel
	pe.pollDone = make(chan struct{})

	bundles, errs := pe.client.Poll(pollCtx, pe.pollInterval)
	go func() {
		defer close(pe.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case bundle, ok := <-bundles:
				if !ok {
					return
				}
				if err := pe.applyBundle(bundle); err != nil {
					fmt.Fprintf(os.Stderr, "policy: failed to apply polled bundle: %v\n", err)
				}
			case err, ok := <-errs:
				if !ok {
					continue
				}
				fmt.Fprintf(os.Stderr, "policy: poll fetch error: %v\n", err)
			}
		}
	}()

	return nil
}

// Evaluate runs one authorization decision through the Cedar engine and
// records it to the audit journal.
func (pe *PolicyEngine) Evaluate(principal Principal, action Action, resource Resource) Decision {
	pe.cedarMu.RLock()
	decision := pe.cedar.Evaluate(principal, action, resource)
	pe.cedarMu.RUnlock()

	outcome := OutcomeDeny
	if decision.Permit {
		outcome = OutcomePermit
	}
	event := NewAuditEvent(principal.ID, string(action), outcome)
	event.Actor = &ActorInfo{UserID: principal.ID, Email: principal.Email, OrgID: principal.OrgID}
	event.Resource = &ResourceInfo{ResourceType: "sandbox", ResourceID: resource.Name}
	if len(decision.MatchedPolicies) > 0 {
		event.Policy = &PolicyInfo{PolicyID: decision.MatchedPolicies[0], PolicyVersion: pe.Version()}
	}

	if err := pe.audit.Record(event); err != nil {
		fmt.Fprintf(os.Stderr, "policy: failed to write audit log: %v\n", err)
	}

	return decision
}

// Reload forces an immediate bundle fetch from the configured Client.
func (pe *PolicyEngine) Reload(ctx context.Context) error {
	if pe.client == nil {
		return fmt.Errorf("policy: no policy server configured")
	}
	bundle, err := pe.client.FetchBundle(ctx)
	if err != nil {
		return err
	}
	return pe.applyBundle(bundle)
}

// Version returns the currently active policy bundle version (0 if
// running on the built-in default policy).
func (pe *PolicyEngine) Version() uint64 {
	pe.versionMu.RLock()
	defer pe.versionMu.RUnlock()
	return pe.version
}

// AuditLogger exposes the underlying audit Journal, e.g. for a
// Streamer to tee decisions to a remote sink.
func (pe *PolicyEngine) AuditLogger() *Journal {
	return pe.audit
}

// applyBundle verifies (if trust anchors are configured), swaps the
// Cedar engine's live policy set, caches the bundle, and bumps the
// tracked version.
func (pe *PolicyEngine) applyBundle(bundle PolicyBundle) error {
	if len(pe.trustAnchors) > 0 {
		minVersion := pe.Version()
		if err := VerifyBundle(bundle, pe.trustAnchors, &minVersion); err != nil {
			return err
		}
	}

	pe.cedarMu.Lock()
	err := pe.cedar.UpdatePolicies(bundle.Policies)
	pe.cedarMu.Unlock()
	if err != nil {
		return fmt.Errorf("policy: update cedar policies: %w", err)
	}

	if err := pe.cache.Store(bundle); err != nil {
		return fmt.Errorf("policy: cache bundle: %w", err)
	}

	pe.versionMu.Lock()
	pe.version = bundle.Version
	pe.versionMu.Unlock()

	return nil
}

// Shutdown stops background polling and closes the audit journal.
func (pe *PolicyEngine) Shutdown() {
	if pe.cancelPoll != nil {
		pe.cancelPoll()
		<-pe.pollDone
	}
	_ = pe.audit.Close()
}

// BuildTrustAnchors turns configured key IDs into TrustAnchors. In
// production the public key material for each ID would be resolved
// from a key store; callers that need real verification should
// construct TrustAnchor values directly instead.
func BuildTrustAnchors(keyIDs []string) []TrustAnchor {
	anchors := make([]TrustAnchor, 0, len(keyIDs))
	now := time.Now()
	for _, id := range keyIDs {
		anchors = append(anchors, TrustAnchor{
			KeyID:     id,
			PublicKey: make([]byte, 32),
			ValidFrom: now.Add(-365 * 24 * time.Hour),
		})
	}
	return anchors
}
