package policy

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"
)

// OfflineMode controls behavior when the policy server is unreachable.
type OfflineMode interface {
	// IsExpired reports whether a bundle cached at cachedAt should be
	// treated as stale. FailClosed, CachedIndefinite, and DefaultPolicy
	// all return false here — staleness is meaningless for them, since
	// the caller already tried the server and is falling back.
	IsExpired(cachedAt time.Time) bool
	mode() string
}

type failClosedMode struct{}

func (failClosedMode) IsExpired(time.Time) bool { return false }
func (failClosedMode) mode() string             { return "fail_closed" }

// FailClosed refuses all operations when the server is unreachable and
// no fresh cache exists.
var FailClosed OfflineMode = failClosedMode{}

type cachedWithExpiryMode struct{ MaxAge time.Duration }

func (m cachedWithExpiryMode) IsExpired(cachedAt time.Time) bool {
	return time.Since(cachedAt) > m.MaxAge
}
func (cachedWithExpiryMode) mode() string { return "cached_with_expiry" }

// CachedWithExpiry serves the cache while its age is within maxAge, else
// fails.
func CachedWithExpiry(maxAge time.Duration) OfflineMode {
	return cachedWithExpiryMode{MaxAge: maxAge}
}

type cachedIndefiniteMode struct{}

func (cachedIndefiniteMode) IsExpired(time.Time) bool { return false }
func (cachedIndefiniteMode) mode() string             { return "cached_indefinite" }

// CachedIndefinite serves the cache regardless of age. Least secure.
var CachedIndefinite OfflineMode = cachedIndefiniteMode{}

type defaultPolicyMode struct{}

func (defaultPolicyMode) IsExpired(time.Time) bool { return false }
func (defaultPolicyMode) mode() string             { return "default_policy" }

// DefaultPolicy falls back to a built-in permit-all policy for
// authenticated principals.
var DefaultPolicy OfflineMode = defaultPolicyMode{}

// OfflineModeFromConfig parses an offline mode name from configuration.
// Unrecognized names fall back to CachedWithExpiry, matching the
// conservative default used everywhere else a config string is parsed.
func OfflineModeFromConfig(mode string, cacheMaxAge time.Duration) OfflineMode {
	switch mode {
	case "fail_closed":
		return FailClosed
	case "cached_with_expiry":
		return CachedWithExpiry(cacheMaxAge)
	case "cached_indefinite":
		return CachedIndefinite
	case "default_policy":
		return DefaultPolicy
	default:
		return CachedWithExpiry(cacheMaxAge)
	}
}

type cacheMetadata struct {
	CachedAt    time.Time `json:"cached_at"`
	Version     uint64    `json:"version"`
	ContentHash string    `json:"content_hash"`
}

// Cache is a filesystem-backed policy cache at $CACHE_DIR/bundle.json and
// $CACHE_DIR/metadata.json.
type Cache struct {
	dir  string
	mode OfflineMode
}

// NewCache creates a Cache rooted at dir.
func NewCache(dir string, mode OfflineMode) *Cache {
	return &Cache{dir: dir, mode: mode}
}

func (c *Cache) bundlePath() string   { return filepath.Join(c.dir, "bundle.json") }
func (c *Cache) metadataPath() string { return filepath.Join(c.dir, "metadata.json") }

// Store persists bundle and its integrity metadata to disk.
func (c *Cache) Store(bundle PolicyBundle) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("policy: create cache dir: %w", err)
	}

	meta := cacheMetadata{
		CachedAt:    time.Now().UTC(),
		Version:     bundle.Version,
		ContentHash: computeHash(bundle.Policies),
	}

	bundleJSON, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("policy: marshal bundle: %w", err)
	}
	if err := os.WriteFile(c.bundlePath(), bundleJSON, 0o644); err != nil {
		return fmt.Errorf("policy: write bundle cache: %w", err)
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("policy: marshal cache metadata: %w", err)
	}
	if err := os.WriteFile(c.metadataPath(), metaJSON, 0o644); err != nil {
		return fmt.Errorf("policy: write cache metadata: %w", err)
	}
	return nil
}

// Load returns the cached bundle, or (nil, nil) if no cache exists. Only
// CachedWithExpiry ever treats a cache as stale (the other modes'
// IsExpired always reports false, so they return the cached bundle
// whatever its age); a cache older than its MaxAge makes Load return an
// error.
func (c *Cache) Load() (*PolicyBundle, error) {
	bundleBytes, err := os.ReadFile(c.bundlePath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: read cached bundle: %w", err)
	}
	metaBytes, err := os.ReadFile(c.metadataPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: read cache metadata: %w", err)
	}

	var bundle PolicyBundle
	if err := json.Unmarshal(bundleBytes, &bundle); err != nil {
		return nil, fmt.Errorf("policy: parse cached bundle: %w", err)
	}
	var meta cacheMetadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("policy: parse cache metadata: %w", err)
	}

	if expected := computeHash(bundle.Policies); meta.ContentHash != expected {
		return nil, fmt.Errorf("policy: cache integrity check failed: content hash mismatch")
	}

	if c.mode.IsExpired(meta.CachedAt) {
		switch c.mode.mode() {
		case "cached_indefinite":
			return &bundle, nil
		case "default_policy":
			return nil, nil
		default:
			return nil, fmt.Errorf("policy: cache expired (cached at %s, mode %s)", meta.CachedAt.Format(time.RFC3339), c.mode.mode())
		}
	}

	return &bundle, nil
}

// CachedVersion returns the version of the currently cached bundle, if
// any, without fully loading or integrity-checking it.
func (c *Cache) CachedVersion() (*uint64, error) {
	metaBytes, err := os.ReadFile(c.metadataPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: read cache metadata: %w", err)
	}
	var meta cacheMetadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("policy: parse cache metadata: %w", err)
	}
	v := meta.Version
	return &v, nil
}

// Clear removes any cached bundle and metadata.
func (c *Cache) Clear() error {
	if err := os.Remove(c.bundlePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("policy: remove cached bundle: %w", err)
	}
	if err := os.Remove(c.metadataPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("policy: remove cache metadata: %w", err)
	}
	return nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// computeHash is a deterministic FNV-1a checksum used for on-disk
// integrity checking, not confidentiality.
func computeHash(content string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(content))
	return fmt.Sprintf("%016x", h.Sum64())
}
