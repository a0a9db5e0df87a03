package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Client fetches PolicyBundles from a remote policy server.
type Client struct {
	baseURL    string
	apiKey     string
	jwtSecret  []byte
	jwtSubject string
	http       *http.Client
}

// NewClient creates a Client against baseURL. apiKey, if non-empty, is
// sent as a static bearer token on every request.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// NewClientWithJWTAuth creates a Client that mints a short-lived HS256
// JWT bearer token (subject = subject) per request instead of sending a
// static API key, for servers that authenticate agentkerneld by signed
// identity rather than a shared secret.
func NewClientWithJWTAuth(baseURL string, secret []byte, subject string) *Client {
	return &Client{
		baseURL:    baseURL,
		jwtSecret:  secret,
		jwtSubject: subject,
		http:       &http.Client{Timeout: 10 * time.Second},
	}
}

// bearerToken returns the Authorization header value for one request,
// minting a fresh 1-minute JWT when configured for JWT auth.
func (c *Client) bearerToken() (string, error) {
	if len(c.jwtSecret) > 0 {
		now := time.Now()
		claims := jwt.RegisteredClaims{
			Subject:   c.jwtSubject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			Issuer:    "agentkerneld",
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString(c.jwtSecret)
		if err != nil {
			return "", fmt.Errorf("policy: sign client jwt: %w", err)
		}
		return "Bearer " + signed, nil
	}
	if c.apiKey != "" {
		return "Bearer " + c.apiKey, nil
	}
	return "", nil
}

// FetchBundle retrieves the current PolicyBundle from the server.
func (c *Client) FetchBundle(ctx context.Context) (PolicyBundle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/policy/bundle", nil)
	if err != nil {
		return PolicyBundle{}, fmt.Errorf("policy: build fetch request: %w", err)
	}
	auth, err := c.bearerToken()
	if err != nil {
		return PolicyBundle{}, err
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return PolicyBundle{}, fmt.Errorf("policy: fetch bundle: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return PolicyBundle{}, fmt.Errorf("policy: read bundle response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return PolicyBundle{}, fmt.Errorf("policy: server returned %d: %s", resp.StatusCode, body)
	}

	var bundle PolicyBundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return PolicyBundle{}, fmt.Errorf("policy: parse bundle response: %w", err)
	}
	return bundle, nil
}

// PushBundle uploads a signed bundle, used by policy-authoring tooling
// and the testserver rather than the runtime evaluation path.
func (c *Client) PushBundle(ctx context.Context, bundle PolicyBundle) error {
	body, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("policy: marshal bundle: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/v1/policy/bundle", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("policy: build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	auth, err := c.bearerToken()
	if err != nil {
		return err
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("policy: push bundle: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("policy: push returned %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

// Poll fetches a fresh bundle every interval until ctx is done, sending
// each successfully fetched bundle on the returned channel. Fetch errors
// are logged to the channel's error sibling and do not stop polling.
func (c *Client) Poll(ctx context.Context, interval time.Duration) (<-chan PolicyBundle, <-chan error) {
	bundles := make(chan PolicyBundle)
	errs := make(chan error)

	go func() {
		defer close(bundles)
		defer close(errs)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				bundle, err := c.FetchBundle(ctx)
				if err != nil {
					select {
					case errs <- err:
					case <-ctx.Done():
						return
					}
					continue
				}
				select {
				case bundles <- bundle:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return bundles, errs
}
