package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/espeon/oatproxy/internal/atproto/identity"
)

// Client is the proxy's upstream OAuth client: it resolves a user identifier
// to their PDS, discovers the authorization server, pushes a PAR, exchanges
// the authorization code, and refreshes tokens. All token endpoint calls are
// authenticated with private_key_jwt assertions signed by the proxy key and
// carry DPoP proofs bound to the per-session keypair.
type Client struct {
	clientID    string
	redirectURI string
	signingKey  jwk.Key
	resolver    identity.Resolver
	store       ClientAuthStore
	http        *http.Client
}

// ClientConfig configures the upstream OAuth client.
type ClientConfig struct {
	// ClientID is the URL of the proxy's client metadata document.
	ClientID string
	// RedirectURI is the proxy's /oauth/return URL.
	RedirectURI string
	// SigningKey is the proxy's P-256 private key (kid set), used for
	// private_key_jwt client assertions.
	SigningKey jwk.Key
	// AllowPrivateIPs disables SSRF protection for local development.
	AllowPrivateIPs bool
	// HTTPClient overrides the default SSRF-safe client (tests).
	HTTPClient *http.Client
}

// NewClient creates an upstream OAuth client.
func NewClient(cfg ClientConfig, resolver identity.Resolver, store ClientAuthStore) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = NewSSRFSafeHTTPClient(cfg.AllowPrivateIPs)
	}
	return &Client{
		clientID:    cfg.ClientID,
		redirectURI: cfg.RedirectURI,
		signingKey:  cfg.SigningKey,
		resolver:    resolver,
		store:       store,
		http:        httpClient,
	}
}

// StartAuthFlow resolves the identifier, pushes a PAR to the user's
// authorization server and returns the absolute authorization URL to
// redirect the user to. state is the proxy-generated state linking the
// upstream flow back to the downstream client.
func (c *Client) StartAuthFlow(ctx context.Context, identifier string, scopes []string, state string) (string, error) {
	ident, err := c.resolver.Resolve(ctx, identifier)
	if err != nil {
		return "", fmt.Errorf("failed to resolve identity %q: %w", identifier, err)
	}

	issuer, err := c.ResolvePDSAuthServer(ctx, ident.PDSURL)
	if err != nil {
		return "", fmt.Errorf("failed to resolve auth server for %s: %w", ident.PDSURL, err)
	}

	meta, err := c.FetchAuthServerMetadata(ctx, issuer)
	if err != nil {
		return "", fmt.Errorf("failed to fetch auth server metadata: %w", err)
	}

	pkce, err := GeneratePKCEChallenge()
	if err != nil {
		return "", err
	}

	dpopKey, err := GenerateDPoPKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate session DPoP key: %w", err)
	}
	dpopKeyJSON, err := JWKToJSON(dpopKey)
	if err != nil {
		return "", err
	}

	scope := strings.Join(scopes, " ")
	parResp, nonce, err := c.sendPAR(ctx, meta, ident.Handle, scope, state, pkce, dpopKey)
	if err != nil {
		return "", fmt.Errorf("PAR request failed: %w", err)
	}

	info := AuthRequestData{
		State:                   state,
		AccountDID:              ident.DID,
		PDSURL:                  ident.PDSURL,
		AuthServerIss:           meta.Issuer,
		AuthServerTokenEndpoint: meta.TokenEndpoint,
		PKCEVerifier:            pkce.Verifier,
		DPoPPrivateJWK:          string(dpopKeyJSON),
		DPoPAuthServerNonce:     nonce,
		Scope:                   scope,
		CreatedAt:               time.Now(),
	}
	if err := c.store.SaveAuthRequest(ctx, info); err != nil {
		return "", fmt.Errorf("failed to save auth request: %w", err)
	}

	authURL, err := url.Parse(meta.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}
	query := authURL.Query()
	query.Set("client_id", c.clientID)
	query.Set("request_uri", parResp.RequestURI)
	authURL.RawQuery = query.Encode()

	slog.Info("started upstream auth flow", "did", ident.DID, "issuer", meta.Issuer)
	return authURL.String(), nil
}

// Callback exchanges the upstream authorization code for tokens, creates a
// session and persists it. iss, when the upstream supplies it, must match
// the issuer recorded when the flow started.
func (c *Client) Callback(ctx context.Context, code, state, iss string) (*ClientSessionData, error) {
	req, err := c.store.GetAndDeleteAuthRequest(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("failed to load auth request: %w", err)
	}
	if req == nil {
		return nil, fmt.Errorf("no auth request for state")
	}

	if iss != "" && req.AuthServerIss != "" && iss != req.AuthServerIss {
		return nil, fmt.Errorf("issuer mismatch: expected %s, got %s", req.AuthServerIss, iss)
	}

	dpopKey, err := ParseJWKFromJSON([]byte(req.DPoPPrivateJWK))
	if err != nil {
		return nil, fmt.Errorf("failed to parse session DPoP key: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.redirectURI)
	form.Set("code_verifier", req.PKCEVerifier)

	tokenResp, nonce, err := c.tokenRequest(ctx, req.AuthServerTokenEndpoint, req.AuthServerIss, form, dpopKey, req.DPoPAuthServerNonce)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	if req.AccountDID != "" && tokenResp.Sub != "" && tokenResp.Sub != req.AccountDID {
		return nil, fmt.Errorf("token sub mismatch: expected %s, got %s", req.AccountDID, tokenResp.Sub)
	}

	accountDID := req.AccountDID
	if accountDID == "" {
		accountDID = tokenResp.Sub
	}

	expiresIn := tokenResp.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	scope := tokenResp.Scope
	if scope == "" {
		scope = req.Scope
	}

	sess := ClientSessionData{
		AccountDID:              accountDID,
		SessionID:               GenerateToken(32),
		HostURL:                 req.PDSURL,
		AuthServerIss:           req.AuthServerIss,
		AuthServerTokenEndpoint: req.AuthServerTokenEndpoint,
		Scope:                   scope,
		AccessToken:             tokenResp.AccessToken,
		RefreshToken:            tokenResp.RefreshToken,
		TokenExpiresAt:          time.Now().Add(time.Duration(expiresIn) * time.Second),
		DPoPPrivateJWK:          req.DPoPPrivateJWK,
		DPoPAuthServerNonce:     nonce,
	}
	if err := c.store.UpsertSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	slog.Info("exchanged upstream code", "did", accountDID, "session_id", sess.SessionID)
	return &sess, nil
}

// RefreshSession exchanges the session's refresh token for new upstream
// tokens and persists the updated session.
func (c *Client) RefreshSession(ctx context.Context, sess *ClientSessionData) error {
	if sess.RefreshToken == "" {
		return fmt.Errorf("session has no refresh token")
	}

	dpopKey, err := ParseJWKFromJSON([]byte(sess.DPoPPrivateJWK))
	if err != nil {
		return fmt.Errorf("failed to parse session DPoP key: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", sess.RefreshToken)

	tokenResp, nonce, err := c.tokenRequest(ctx, sess.AuthServerTokenEndpoint, sess.AuthServerIss, form, dpopKey, sess.DPoPAuthServerNonce)
	if err != nil {
		return fmt.Errorf("upstream refresh failed: %w", err)
	}

	sess.AccessToken = tokenResp.AccessToken
	if tokenResp.RefreshToken != "" {
		sess.RefreshToken = tokenResp.RefreshToken
	}
	if tokenResp.Scope != "" {
		sess.Scope = tokenResp.Scope
	}
	expiresIn := tokenResp.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	sess.TokenExpiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	if nonce != "" {
		sess.DPoPAuthServerNonce = nonce
	}

	if err := c.store.UpsertSession(ctx, *sess); err != nil {
		return fmt.Errorf("failed to save refreshed session: %w", err)
	}

	slog.Info("refreshed upstream tokens", "did", sess.AccountDID, "session_id", sess.SessionID)
	return nil
}

// Logout revokes the session at the upstream auth server (best effort) and
// deletes it from the store.
func (c *Client) Logout(ctx context.Context, did, sessionID string) error {
	sess, err := c.store.GetSession(ctx, did, sessionID)
	if err != nil {
		return err
	}
	if sess != nil && sess.AuthServerIss != "" {
		meta, err := c.FetchAuthServerMetadata(ctx, sess.AuthServerIss)
		if err == nil && meta.RevocationEndpoint != "" {
			dpopKey, keyErr := ParseJWKFromJSON([]byte(sess.DPoPPrivateJWK))
			if keyErr == nil {
				form := url.Values{}
				form.Set("token", sess.AccessToken)
				if _, _, err := c.dpopFormPost(ctx, meta.RevocationEndpoint, sess.AuthServerIss, form, dpopKey, sess.DPoPAuthServerNonce, sess.AccessToken); err != nil {
					slog.Warn("upstream revocation failed", "did", did, "error", err)
				}
			}
		}
	}
	return c.store.DeleteSession(ctx, did, sessionID)
}

// ResolvePDSAuthServer discovers the authorization server for a PDS via its
// protected resource metadata. A PDS that is its own authorization server
// (common for self-hosted instances) is handled by the fallback.
func (c *Client) ResolvePDSAuthServer(ctx context.Context, pdsURL string) (string, error) {
	metaURL := strings.TrimSuffix(pdsURL, "/") + "/.well-known/oauth-protected-resource"

	var meta struct {
		AuthorizationServers []string `json:"authorization_servers"`
	}
	if err := c.getJSON(ctx, metaURL, &meta); err != nil {
		return "", err
	}
	if len(meta.AuthorizationServers) == 0 {
		// The PDS acts as its own authorization server.
		return strings.TrimSuffix(pdsURL, "/"), nil
	}
	return meta.AuthorizationServers[0], nil
}

// FetchAuthServerMetadata fetches RFC 8414 metadata from an issuer.
func (c *Client) FetchAuthServerMetadata(ctx context.Context, issuer string) (*AuthServerMetadata, error) {
	metaURL := strings.TrimSuffix(issuer, "/") + "/.well-known/oauth-authorization-server"

	var meta AuthServerMetadata
	if err := c.getJSON(ctx, metaURL, &meta); err != nil {
		return nil, err
	}
	if meta.TokenEndpoint == "" || meta.AuthorizationEndpoint == "" {
		return nil, fmt.Errorf("auth server metadata missing endpoints")
	}
	return &meta, nil
}

// sendPAR pushes the authorization request. Returns the PAR response and the
// last DPoP nonce the auth server issued.
func (c *Client) sendPAR(ctx context.Context, meta *AuthServerMetadata, loginHint, scope, state string, pkce *PKCEChallenge, dpopKey jwk.Key) (*PARResponse, string, error) {
	if meta.PushedAuthorizationRequestEndpoint == "" {
		return nil, "", fmt.Errorf("auth server does not support PAR")
	}

	form := url.Values{}
	form.Set("response_type", "code")
	form.Set("client_id", c.clientID)
	form.Set("redirect_uri", c.redirectURI)
	form.Set("state", state)
	form.Set("scope", scope)
	form.Set("code_challenge", pkce.Challenge)
	form.Set("code_challenge_method", pkce.Method)
	if loginHint != "" {
		form.Set("login_hint", loginHint)
	}

	body, nonce, err := c.dpopFormPost(ctx, meta.PushedAuthorizationRequestEndpoint, meta.Issuer, form, dpopKey, "", "")
	if err != nil {
		return nil, nonce, err
	}

	var parResp PARResponse
	if err := json.Unmarshal(body, &parResp); err != nil {
		return nil, nonce, fmt.Errorf("invalid PAR response: %w", err)
	}
	if parResp.RequestURI == "" {
		return nil, nonce, fmt.Errorf("PAR response missing request_uri")
	}
	return &parResp, nonce, nil
}

// tokenRequest posts a grant to the token endpoint and decodes the response.
func (c *Client) tokenRequest(ctx context.Context, tokenEndpoint, issuer string, form url.Values, dpopKey jwk.Key, nonce string) (*TokenResponse, string, error) {
	body, newNonce, err := c.dpopFormPost(ctx, tokenEndpoint, issuer, form, dpopKey, nonce, "")
	if err != nil {
		return nil, newNonce, err
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, newNonce, fmt.Errorf("invalid token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, newNonce, fmt.Errorf("token response missing access_token")
	}
	return &tokenResp, newNonce, nil
}

// dpopFormPost posts a form with a client assertion and a DPoP proof,
// retrying once when the server demands a nonce (use_dpop_nonce). Returns
// the response body and the last nonce the server issued.
func (c *Client) dpopFormPost(ctx context.Context, endpoint, issuer string, form url.Values, dpopKey jwk.Key, nonce, accessToken string) ([]byte, string, error) {
	assertion, err := c.clientAssertion(issuer)
	if err != nil {
		return nil, nonce, err
	}
	form.Set("client_id", c.clientID)
	form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
	form.Set("client_assertion", assertion)
	encoded := form.Encode()

	for attempt := 0; attempt < 2; attempt++ {
		proof, err := CreateDPoPProof(dpopKey, http.MethodPost, endpoint, nonce, accessToken)
		if err != nil {
			return nil, nonce, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
		if err != nil {
			return nil, nonce, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("DPoP", proof)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, nonce, err
		}

		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, nonce, err
		}

		if newNonce := resp.Header.Get("DPoP-Nonce"); newNonce != "" {
			nonce = newNonce
		}

		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			var oauthErr struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Error == "use_dpop_nonce" && attempt == 0 && nonce != "" {
				continue
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, nonce, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		return body, nonce, nil
	}

	return nil, nonce, fmt.Errorf("upstream kept demanding a DPoP nonce")
}

// clientAssertion builds a private_key_jwt assertion for the given issuer.
func (c *Client) clientAssertion(issuer string) (string, error) {
	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer(c.clientID).
		Subject(c.clientID).
		Audience([]string{issuer}).
		IssuedAt(now).
		Expiration(now.Add(5 * time.Minute)).
		JwtID(generateJTI()).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build client assertion: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.ES256, c.signingKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign client assertion: %w", err)
	}
	return string(signed), nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned %d", rawURL, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid JSON from %s: %w", rawURL, err)
	}
	return nil
}
