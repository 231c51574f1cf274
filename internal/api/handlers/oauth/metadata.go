package oauth

import (
	"net/http"

	atOAuth "github.com/espeon/oatproxy/internal/atproto/oauth"
)

// HandleAuthServerMetadata serves authorization server metadata discovery.
// GET /.well-known/oauth-authorization-server
func (h *Handler) HandleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	base := h.config.Issuer()

	metadata := map[string]interface{}{
		"issuer":                                base,
		"request_parameter_supported":           true,
		"request_uri_parameter_supported":       true,
		"require_request_uri_registration":      true,
		"scopes_supported":                      []string{"atproto", "transition:generic", "transition:chat.bsky"},
		"subject_types_supported":               []string{"public"},
		"response_types_supported":              []string{"code"},
		"response_modes_supported":              []string{"query", "fragment", "form_post"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"ui_locales_supported":                  []string{"en-US"},
		"display_values_supported":              []string{"page", "popup", "touch"},
		"authorization_response_iss_parameter_supported": true,
		"request_object_encryption_alg_values_supported": []string{},
		"request_object_encryption_enc_values_supported": []string{},
		"jwks_uri":                               base + "/oauth/jwks.json",
		"authorization_endpoint":                 base + "/oauth/authorize",
		"token_endpoint":                         base + "/oauth/token",
		"token_endpoint_auth_methods_supported":  []string{"none", "private_key_jwt"},
		"revocation_endpoint":                    base + "/oauth/revoke",
		"introspection_endpoint":                 base + "/oauth/introspect",
		"pushed_authorization_request_endpoint":  base + "/oauth/par",
		"require_pushed_authorization_requests":  true,
		"client_id_metadata_document_supported":  true,
		"request_object_signing_alg_values_supported": []string{
			"RS256", "RS384", "RS512", "PS256", "PS384", "PS512",
			"ES256", "ES256K", "ES384", "ES512", "none",
		},
		"token_endpoint_auth_signing_alg_values_supported": []string{
			"RS256", "RS384", "RS512", "PS256", "PS384", "PS512",
			"ES256", "ES256K", "ES384", "ES512",
		},
		"dpop_signing_alg_values_supported": []string{
			"RS256", "RS384", "RS512", "PS256", "PS384", "PS512",
			"ES256", "ES256K", "ES384", "ES512",
		},
	}

	writeJSON(w, http.StatusOK, metadata)
}

// HandleProtectedResourceMetadata serves protected resource metadata so
// third-party clients can discover the authorization server for this
// resource.
// GET /.well-known/oauth-protected-resource
func (h *Handler) HandleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	base := h.config.Issuer()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resource":                 base,
		"authorization_servers":    []string{base},
		"scopes_supported":         []string{},
		"bearer_methods_supported": []string{"header"},
		"resource_documentation":   base + "/xrpc",
	})
}

// HandleClientMetadata serves the proxy's own client metadata document (its
// identity as an OAuth client to upstream PDSes).
// GET /oauth-client-metadata.json
func (h *Handler) HandleClientMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config.ClientMetadata)
}

// HandleJWKS serves the public half of the proxy signing key.
// GET /oauth/jwks.json
func (h *Handler) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.GetSigningKey(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	set, err := atOAuth.SigningKeyJWKS(key)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, set)
}
