// Package oauth implements the proxy's HTTP surface: the downstream
// authorization server endpoints (metadata, PAR, authorize, token, revoke),
// the upstream callback, and the authenticated XRPC forwarding route.
package oauth

import (
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"net/url"

	"github.com/espeon/oatproxy/internal/atproto/auth"
	atOAuth "github.com/espeon/oatproxy/internal/atproto/oauth"
	coreOAuth "github.com/espeon/oatproxy/internal/core/oauth"
)

// Handler serves all OAuth proxy endpoints.
type Handler struct {
	config   *coreOAuth.Config
	store    coreOAuth.Store
	keys     coreOAuth.KeyStore
	tokens   *coreOAuth.TokenManager
	upstream *atOAuth.Client
	verifier *auth.DPoPVerifier

	// forwardBase is the RoundTripper under the DPoP transport for
	// /xrpc forwarding (overridable in tests).
	forwardBase http.RoundTripper
}

// NewHandler creates the OAuth proxy handler. The DPoP verifier is built
// from the configured nonce secret with full binding (JKT, HTU/HTM,
// client_id) and store-backed replay protection.
func NewHandler(config *coreOAuth.Config, store coreOAuth.Store, keys coreOAuth.KeyStore, tokens *coreOAuth.TokenManager, upstream *atOAuth.Client) *Handler {
	nonces := auth.NewNonceGenerator(config.DPoPNonceSecret, auth.NonceConfig{
		BindJKT:      true,
		BindHTU:      true,
		BindClientID: true,
	})

	return &Handler{
		config:      config,
		store:       store,
		keys:        keys,
		tokens:      tokens,
		upstream:    upstream,
		verifier:    auth.NewDPoPVerifier(nonces, store),
		forwardBase: http.DefaultTransport,
	}
}

// SetForwardTransport overrides the base transport used for upstream
// forwarding. Tests use this to point at fake PDS servers.
func (h *Handler) SetForwardTransport(rt http.RoundTripper) {
	h.forwardBase = rt
}

// decodeBody decodes a request body that may be JSON or form-encoded,
// falling back to JSON when the content type is absent or unknown.
func decodeBody(r *http.Request, out interface{}, formDecode func(url.Values)) error {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" {
		if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && mediaType == "application/x-www-form-urlencoded" {
			if err := r.ParseForm(); err != nil {
				return err
			}
			formDecode(r.PostForm)
			return nil
		}
	}
	return json.NewDecoder(r.Body).Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
