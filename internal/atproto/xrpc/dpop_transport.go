// Package xrpc carries authenticated requests to a user's PDS. The
// transport attaches the upstream DPoP-bound access token and a fresh proof
// to every request, and absorbs the server's DPoP-Nonce rotation protocol
// so callers see at most one round of retry latency.
package xrpc

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/espeon/oatproxy/internal/atproto/oauth"
)

// NonceStore persists the last DPoP nonce an upstream issued for a session.
type NonceStore interface {
	UpdateSessionDPoPNonce(ctx context.Context, sessionID, nonce string) error
}

// DPoPTransport is an http.RoundTripper that signs every request with the
// session's upstream DPoP key:
//  1. Authorization: DPoP <upstream access token>
//  2. DPoP: proof bound to method, URL, token hash and last-seen nonce
//  3. one retry when the server rejects with a fresh DPoP-Nonce
//  4. opportunistic persistence of every nonce the server issues
type DPoPTransport struct {
	base        http.RoundTripper
	sessionID   string
	accessToken string
	dpopKey     jwk.Key
	nonces      NonceStore

	mu    sync.Mutex
	nonce string
}

// NewDPoPTransport creates a DPoP-signing transport for one session.
// privateJWK is the session keypair as JWK JSON; nonce is the last nonce
// seen for this session (may be empty).
func NewDPoPTransport(base http.RoundTripper, sessionID, accessToken, privateJWK, nonce string, nonces NonceStore) (*DPoPTransport, error) {
	if base == nil {
		base = http.DefaultTransport
	}

	dpopKey, err := oauth.ParseJWKFromJSON([]byte(privateJWK))
	if err != nil {
		return nil, fmt.Errorf("failed to parse session DPoP key: %w", err)
	}

	return &DPoPTransport{
		base:        base,
		sessionID:   sessionID,
		accessToken: accessToken,
		dpopKey:     dpopKey,
		nonces:      nonces,
		nonce:       nonce,
	}, nil
}

// RoundTrip implements http.RoundTripper.
func (t *DPoPTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "DPoP "+t.accessToken)

	resp, err := t.send(req)
	if err != nil {
		return nil, err
	}

	// A 400 or 401 carrying DPoP-Nonce means the proof must be re-signed
	// with the server's nonce. Retry once; a second rejection is returned
	// as-is.
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		if newNonce := resp.Header.Get("DPoP-Nonce"); newNonce != "" {
			t.storeNonce(req.Context(), newNonce)
			_ = resp.Body.Close()

			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("failed to rewind request body for retry: %w", err)
				}
				req.Body = body
			}

			resp, err = t.send(req)
			if err != nil {
				return nil, err
			}
		}
	}

	if newNonce := resp.Header.Get("DPoP-Nonce"); newNonce != "" {
		t.storeNonce(req.Context(), newNonce)
	}

	return resp, nil
}

func (t *DPoPTransport) send(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	nonce := t.nonce
	t.mu.Unlock()

	proof, err := oauth.CreateDPoPProof(t.dpopKey, req.Method, req.URL.String(), nonce, t.accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create DPoP proof: %w", err)
	}
	req.Header.Set("DPoP", proof)

	return t.base.RoundTrip(req)
}

// storeNonce records a server-issued nonce locally and in the session
// store. Persistence is best effort: a stale stored nonce only costs one
// extra retry on the next request.
func (t *DPoPTransport) storeNonce(ctx context.Context, nonce string) {
	t.mu.Lock()
	t.nonce = nonce
	t.mu.Unlock()

	if t.nonces != nil {
		_ = t.nonces.UpdateSessionDPoPNonce(ctx, t.sessionID, nonce)
	}
}
