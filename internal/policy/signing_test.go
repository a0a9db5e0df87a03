package policy

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"
)

func testKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return pub, priv, "test-key-1"
}

func testAnchor(pub ed25519.PublicKey, keyID string) TrustAnchor {
	until := time.Now().Add(24 * time.Hour)
	return TrustAnchor{
		KeyID:      keyID,
		PublicKey:  pub,
		ValidFrom:  time.Now().Add(-time.Hour),
		ValidUntil: &until,
	}
}

func TestSignAndVerify(t *testing.T) {
	pub, priv, keyID := testKeypair(t)
	anchor := testAnchor(pub, keyID)
	expires := time.Now().Add(time.Hour)

	bundle, err := SignBundle("permit(principal, action, resource);", 1, &expires, priv, keyID)
	if err != nil {
		t.Fatalf("SignBundle: %v", err)
	}
	if bundle.Version != 1 || bundle.SignerKeyID != keyID || len(bundle.Signature) != ed25519.SignatureSize {
		t.Fatalf("unexpected bundle: %+v", bundle)
	}

	if err := VerifyBundle(bundle, []TrustAnchor{anchor}, nil); err != nil {
		t.Fatalf("VerifyBundle: %v", err)
	}
}

func TestTamperedPoliciesFailVerification(t *testing.T) {
	pub, priv, keyID := testKeypair(t)
	anchor := testAnchor(pub, keyID)

	bundle, err := SignBundle("permit(principal, action, resource);", 1, nil, priv, keyID)
	if err != nil {
		t.Fatalf("SignBundle: %v", err)
	}
	bundle.Policies = "forbid(principal, action, resource);"

	if err := VerifyBundle(bundle, []TrustAnchor{anchor}, nil); err == nil {
		t.Fatal("expected signature verification failure on tampered policies")
	}
}

func TestExpiredBundleRejected(t *testing.T) {
	pub, priv, keyID := testKeypair(t)
	anchor := testAnchor(pub, keyID)
	expired := time.Now().Add(-time.Hour)

	bundle, err := SignBundle("permit(principal, action, resource);", 1, &expired, priv, keyID)
	if err != nil {
		t.Fatalf("SignBundle: %v", err)
	}
	if err := VerifyBundle(bundle, []TrustAnchor{anchor}, nil); err == nil {
		t.Fatal("expected expiry rejection")
	}
}

func TestVersionMonotonicity(t *testing.T) {
	pub, priv, keyID := testKeypair(t)
	anchor := testAnchor(pub, keyID)

	bundle, err := SignBundle("permit(principal, action, resource);", 5, nil, priv, keyID)
	if err != nil {
		t.Fatalf("SignBundle: %v", err)
	}

	min5 := uint64(5)
	if err := VerifyBundle(bundle, []TrustAnchor{anchor}, &min5); err != nil {
		t.Fatalf("VerifyBundle with min_version=5: %v", err)
	}
	min3 := uint64(3)
	if err := VerifyBundle(bundle, []TrustAnchor{anchor}, &min3); err != nil {
		t.Fatalf("VerifyBundle with min_version=3: %v", err)
	}
	min6 := uint64(6)
	if err := VerifyBundle(bundle, []TrustAnchor{anchor}, &min6); err == nil {
		t.Fatal("expected rejection when bundle version older than min_version")
	}
}

func TestUnknownSignerRejected(t *testing.T) {
	_, priv, keyID := testKeypair(t)
	bundle, err := SignBundle("permit(principal, action, resource);", 1, nil, priv, keyID)
	if err != nil {
		t.Fatalf("SignBundle: %v", err)
	}

	other := TrustAnchor{
		KeyID:     "different-key",
		PublicKey: make([]byte, ed25519.PublicKeySize),
		ValidFrom: time.Now().Add(-time.Hour),
	}

	if err := VerifyBundle(bundle, []TrustAnchor{other}, nil); err == nil {
		t.Fatal("expected rejection for unknown signer key")
	}
}

func TestExpiredTrustAnchorRejected(t *testing.T) {
	pub, priv, keyID := testKeypair(t)
	until := time.Now().Add(-time.Hour)
	expiredAnchor := TrustAnchor{
		KeyID:      keyID,
		PublicKey:  pub,
		ValidFrom:  time.Now().Add(-48 * time.Hour),
		ValidUntil: &until,
	}

	bundle, err := SignBundle("permit(principal, action, resource);", 1, nil, priv, keyID)
	if err != nil {
		t.Fatalf("SignBundle: %v", err)
	}
	if err := VerifyBundle(bundle, []TrustAnchor{expiredAnchor}, nil); err == nil {
		t.Fatal("expected rejection for expired trust anchor")
	}
}

func TestTrustAnchorValidity(t *testing.T) {
	future := time.Now().Add(time.Hour)
	futureAnchor := TrustAnchor{KeyID: "future", ValidFrom: future}
	if futureAnchor.IsValid() {
		t.Fatal("anchor valid_from in the future should not be valid yet")
	}

	until := time.Now().Add(time.Hour)
	currentAnchor := TrustAnchor{KeyID: "current", ValidFrom: time.Now().Add(-time.Hour), ValidUntil: &until}
	if !currentAnchor.IsValid() {
		t.Fatal("current anchor should be valid")
	}

	noExpiry := TrustAnchor{KeyID: "forever", ValidFrom: time.Now().Add(-time.Hour)}
	if !noExpiry.IsValid() {
		t.Fatal("anchor with no valid_until should be valid")
	}
}

func TestBundleSerializationRoundtrip(t *testing.T) {
	_, priv, keyID := testKeypair(t)
	expires := time.Now().Add(24 * time.Hour)

	bundle, err := SignBundle("permit(principal, action, resource);", 42, &expires, priv, keyID)
	if err != nil {
		t.Fatalf("SignBundle: %v", err)
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var restored PolicyBundle
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if restored.Version != 42 || restored.Policies != bundle.Policies || restored.SignerKeyID != keyID {
		t.Fatalf("roundtrip mismatch: %+v", restored)
	}
	if string(restored.Signature) != string(bundle.Signature) {
		t.Fatal("signature did not round-trip")
	}
}
