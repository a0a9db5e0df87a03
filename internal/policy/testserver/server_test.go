package testserver

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/thrashr888/agentkernel/internal/policy"
)

func TestServerFetchAndPushRoundtrip(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	seed := policy.PolicyBundle{
		Policies:  "permit(principal, action, resource);",
		Version:   1,
		ExpiresAt: &expires,
	}
	srv := New(seed)
	httpSrv := httptest.NewServer(srv.Echo())
	defer httpSrv.Close()

	client := policy.NewClient(httpSrv.URL, "")

	fetched, err := client.FetchBundle(t.Context())
	if err != nil {
		t.Fatalf("FetchBundle: %v", err)
	}
	if fetched.Version != 1 {
		t.Fatalf("expected seeded version 1, got %d", fetched.Version)
	}

	pushed := policy.PolicyBundle{Policies: "forbid(principal, action, resource);", Version: 2}
	if err := client.PushBundle(t.Context(), pushed); err != nil {
		t.Fatalf("PushBundle: %v", err)
	}

	fetched, err = client.FetchBundle(t.Context())
	if err != nil {
		t.Fatalf("FetchBundle after push: %v", err)
	}
	if fetched.Version != 2 || fetched.Policies != pushed.Policies {
		t.Fatalf("expected pushed bundle to replace seed, got %+v", fetched)
	}
}
