// Package policy gates every backend operation on a cryptographically
// verified, optionally remote policy: signed bundle fetch/verify/cache,
// Cedar-style evaluation, hierarchical tenant resolution, and audit
// journaling.
package policy

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"
)

// PolicyBundle is a versioned, signed, optionally-expiring Cedar policy
// payload fetched from a policy server or loaded from cache.
type PolicyBundle struct {
	Policies     string     `json:"policies"`
	Version      uint64     `json:"version"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Signature    []byte     `json:"signature"`
	SignerKeyID  string     `json:"signer_key_id"`
}

// TrustAnchor holds a public key used to verify bundle signatures.
type TrustAnchor struct {
	KeyID      string     `json:"key_id"`
	PublicKey  []byte     `json:"public_key"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// IsValid reports whether the anchor's validity window includes now.
func (a TrustAnchor) IsValid() bool {
	now := time.Now()
	if now.Before(a.ValidFrom) {
		return false
	}
	if a.ValidUntil != nil && now.After(*a.ValidUntil) {
		return false
	}
	return true
}

// CanonicalPayload is the exact byte sequence the signature covers:
// version.to_le_bytes() ‖ expires_at_rfc3339_or_empty ‖ policies_utf8.
func (b PolicyBundle) CanonicalPayload() []byte {
	payload := make([]byte, 8, 8+64+len(b.Policies))
	binary.LittleEndian.PutUint64(payload, b.Version)
	if b.ExpiresAt != nil {
		payload = append(payload, []byte(b.ExpiresAt.UTC().Format(time.RFC3339Nano))...)
	}
	payload = append(payload, []byte(b.Policies)...)
	return payload
}

// VerifyBundle accepts bundle iff: a matching, currently-valid trust
// anchor exists by signer_key_id; the Ed25519 signature verifies over
// CanonicalPayload under that anchor's public key; expires_at (if set)
// is in the future; and version is not older than minVersion.
func VerifyBundle(bundle PolicyBundle, anchors []TrustAnchor, minVersion *uint64) error {
	var anchor *TrustAnchor
	for i := range anchors {
		if anchors[i].KeyID == bundle.SignerKeyID {
			anchor = &anchors[i]
			break
		}
	}
	if anchor == nil {
		return fmt.Errorf("policy: no trust anchor for signer key %q", bundle.SignerKeyID)
	}
	if !anchor.IsValid() {
		return fmt.Errorf("policy: trust anchor %q is not currently valid", anchor.KeyID)
	}
	if len(anchor.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("policy: invalid public key length: expected %d, got %d", ed25519.PublicKeySize, len(anchor.PublicKey))
	}
	if len(bundle.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("policy: invalid signature length: expected %d, got %d", ed25519.SignatureSize, len(bundle.Signature))
	}

	payload := bundle.CanonicalPayload()
	if !ed25519.Verify(ed25519.PublicKey(anchor.PublicKey), payload, bundle.Signature) {
		return fmt.Errorf("policy: ed25519 signature verification failed")
	}

	if bundle.ExpiresAt != nil && time.Now().After(*bundle.ExpiresAt) {
		return fmt.Errorf("policy: bundle has expired (expired at %s)", bundle.ExpiresAt.Format(time.RFC3339))
	}

	if minVersion != nil && bundle.Version < *minVersion {
		return fmt.Errorf("policy: bundle version %d is older than minimum required version %d", bundle.Version, *minVersion)
	}

	return nil
}

// SignBundle signs policies with signingKey, producing a ready-to-ship
// PolicyBundle. Used by tooling and tests, not by the runtime path.
func SignBundle(policies string, version uint64, expiresAt *time.Time, signingKey ed25519.PrivateKey, keyID string) (PolicyBundle, error) {
	if len(signingKey) != ed25519.PrivateKeySize {
		return PolicyBundle{}, fmt.Errorf("policy: invalid signing key length: expected %d, got %d", ed25519.PrivateKeySize, len(signingKey))
	}
	bundle := PolicyBundle{
		Policies:    policies,
		Version:     version,
		ExpiresAt:   expiresAt,
		SignerKeyID: keyID,
	}
	bundle.Signature = ed25519.Sign(signingKey, bundle.CanonicalPayload())
	return bundle, nil
}

// EncodeKey base64-encodes key material for JSON transport, matching the
// wire format trust anchors and bundles use for binary fields.
func EncodeKey(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// DecodeKey reverses EncodeKey.
func DecodeKey(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
