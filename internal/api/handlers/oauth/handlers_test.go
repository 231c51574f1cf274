package oauth_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	oauthHandlers "github.com/espeon/oatproxy/internal/api/handlers/oauth"
	"github.com/espeon/oatproxy/internal/api/routes"
	"github.com/espeon/oatproxy/internal/atproto/auth"
	"github.com/espeon/oatproxy/internal/atproto/identity"
	atOAuth "github.com/espeon/oatproxy/internal/atproto/oauth"
	coreOAuth "github.com/espeon/oatproxy/internal/core/oauth"
	"github.com/espeon/oatproxy/internal/db/memory"
)

const (
	testDID    = "did:plc:alice"
	testHandle = "alice.example"
	clientCB   = "https://client.example/cb"
)

// fakePDS plays both roles of the upstream: authorization server and
// resource server. The xrpc route enforces a DPoP nonce so the proxy's
// retry path is exercised.
type fakePDS struct {
	server *httptest.Server

	mu           sync.Mutex
	lastPARState string
	xrpcNonce    string // nonce the xrpc route requires; empty disables
	xrpcHits     int
}

func newFakePDS(t *testing.T) *fakePDS {
	t.Helper()
	f := &fakePDS{}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]interface{}{
			"authorization_servers": []string{f.server.URL},
		})
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]interface{}{
			"issuer":                                f.server.URL,
			"authorization_endpoint":                f.server.URL + "/oauth/authorize",
			"token_endpoint":                        f.server.URL + "/oauth/token",
			"pushed_authorization_request_endpoint": f.server.URL + "/oauth/par",
		})
	})
	mux.HandleFunc("/oauth/par", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.lastPARState = r.PostForm.Get("state")
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		writeTestJSON(w, map[string]interface{}{
			"request_uri": "urn:ietf:params:oauth:request_uri:upstream123",
			"expires_in":  90,
		})
	})
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]interface{}{
			"access_token":  "upstream-access-token",
			"token_type":    "DPoP",
			"refresh_token": "upstream-refresh-token",
			"scope":         "atproto transition:generic",
			"expires_in":    3600,
			"sub":           testDID,
		})
	})
	mux.HandleFunc("/xrpc/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		required := f.xrpcNonce
		f.xrpcHits++
		f.mu.Unlock()

		if required != "" {
			nonce := proofNonce(r.Header.Get("DPoP"))
			if nonce != required {
				w.Header().Set("DPoP-Nonce", required)
				w.WriteHeader(http.StatusUnauthorized)
				writeTestJSON(w, map[string]string{"error": "use_dpop_nonce"})
				return
			}
			w.Header().Set("DPoP-Nonce", required)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"thing":"ok"}`))
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakePDS) parState() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPARState
}

func (f *fakePDS) requireXRPCNonce(nonce string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.xrpcNonce = nonce
}

func writeTestJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// proofNonce pulls the nonce claim out of an unverified DPoP proof.
func proofNonce(proof string) string {
	parts := strings.Split(proof, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		Nonce string `json:"nonce"`
	}
	_ = json.Unmarshal(payload, &claims)
	return claims.Nonce
}

type testEnv struct {
	router chi.Router
	store  *memory.Store
	config *coreOAuth.Config
	fake   *fakePDS
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	fake := newFakePDS(t)
	store := memory.New()
	keys := memory.NewKeyStore()

	config := coreOAuth.DefaultConfig("https://proxy.example")
	config.DPoPNonceSecret = []byte("0123456789abcdef0123456789abcdef")

	signingKey, err := keys.GetSigningKey(context.Background())
	if err != nil {
		t.Fatalf("Failed to load signing key: %v", err)
	}

	resolver := &identity.StaticResolver{
		PDSURL: fake.server.URL,
		DIDs:   map[string]string{testHandle: testDID},
	}

	upstreamClient := atOAuth.NewClient(atOAuth.ClientConfig{
		ClientID:    config.ClientMetadata.ClientID,
		RedirectURI: config.RedirectURI(),
		SigningKey:  signingKey,
		HTTPClient:  fake.server.Client(),
	}, resolver, store)

	tokens := coreOAuth.NewTokenManager(config.Issuer(), keys, upstreamClient, config.DownstreamTokenExpiry)
	handler := oauthHandlers.NewHandler(config, store, keys, tokens, upstreamClient)

	router := chi.NewRouter()
	routes.Mount(router, handler)

	return &testEnv{router: router, store: store, config: config, fake: fake}
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

func newClientKey(t *testing.T) (jwk.Key, string) {
	t.Helper()
	key, err := atOAuth.GenerateDPoPKey()
	if err != nil {
		t.Fatalf("Failed to generate client key: %v", err)
	}
	pub, err := key.PublicKey()
	if err != nil {
		t.Fatalf("Failed to get public key: %v", err)
	}
	pubJSON, err := json.Marshal(pub)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	jkt, err := auth.CalculateJWKThumbprintFromJSON(pubJSON)
	if err != nil {
		t.Fatalf("Failed to compute thumbprint: %v", err)
	}
	return key, jkt
}

func signProof(t *testing.T, key jwk.Key, method, uri, nonce, accessToken string) string {
	t.Helper()
	proof, err := atOAuth.CreateDPoPProof(key, method, uri, nonce, accessToken)
	if err != nil {
		t.Fatalf("Failed to create proof: %v", err)
	}
	return proof
}

func parBody() string {
	form := url.Values{}
	form.Set("client_id", "https://client.example/metadata.json")
	form.Set("redirect_uri", clientCB)
	form.Set("response_type", "code")
	form.Set("state", "client-state-1")
	form.Set("scope", "atproto transition:generic")
	form.Set("code_challenge", "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM")
	form.Set("code_challenge_method", "S256")
	form.Set("login_hint", testHandle)
	return form.Encode()
}

// pushPAR performs the S1 nonce dance and returns the request_uri.
func pushPAR(t *testing.T, env *testEnv, key jwk.Key) string {
	t.Helper()
	parURL := env.config.Issuer() + "/oauth/par"

	req := httptest.NewRequest(http.MethodPost, parURL, strings.NewReader(parBody()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("DPoP", signProof(t, key, "POST", parURL, "", ""))
	rr := env.do(req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for nonce-less PAR, got %d: %s", rr.Code, rr.Body.String())
	}
	var errBody struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &errBody); err != nil || errBody.Error != "use_dpop_nonce" {
		t.Fatalf("Expected use_dpop_nonce body, got %s", rr.Body.String())
	}
	nonce := rr.Header().Get("DPoP-Nonce")
	if nonce == "" {
		t.Fatal("Missing DPoP-Nonce header on challenge")
	}

	req = httptest.NewRequest(http.MethodPost, parURL, strings.NewReader(parBody()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("DPoP", signProof(t, key, "POST", parURL, nonce, ""))
	rr = env.do(req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected 201 from PAR, got %d: %s", rr.Code, rr.Body.String())
	}
	var parResp struct {
		RequestURI string `json:"request_uri"`
		ExpiresIn  int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &parResp); err != nil {
		t.Fatalf("Invalid PAR response: %v", err)
	}
	if !strings.HasPrefix(parResp.RequestURI, "urn:ietf:params:oauth:request_uri:") {
		t.Fatalf("Unexpected request_uri: %s", parResp.RequestURI)
	}
	if parResp.ExpiresIn != 90 {
		t.Errorf("Expected expires_in 90, got %d", parResp.ExpiresIn)
	}
	return parResp.RequestURI
}

// authorizeAndReturn runs authorize plus the upstream callback and returns
// the downstream authorization code.
func authorizeAndReturn(t *testing.T, env *testEnv, requestURI string) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, env.config.Issuer()+"/oauth/authorize?request_uri="+url.QueryEscape(requestURI), nil)
	rr := env.do(req)
	if rr.Code != http.StatusFound {
		t.Fatalf("Expected 302 from authorize, got %d: %s", rr.Code, rr.Body.String())
	}
	location := rr.Header().Get("Location")
	if !strings.HasPrefix(location, env.fake.server.URL+"/oauth/authorize") {
		t.Fatalf("Expected redirect to upstream authorize endpoint, got %s", location)
	}

	proxyState := env.fake.parState()
	if proxyState == "" {
		t.Fatal("Upstream never saw a PAR state")
	}

	req = httptest.NewRequest(http.MethodGet, env.config.Issuer()+"/oauth/return?code=UC&state="+url.QueryEscape(proxyState), nil)
	rr = env.do(req)
	if rr.Code != http.StatusFound {
		t.Fatalf("Expected 302 from return, got %d: %s", rr.Code, rr.Body.String())
	}

	location = rr.Header().Get("Location")
	if !strings.HasPrefix(location, clientCB+"#") {
		t.Fatalf("Expected fragment redirect to client, got %s", location)
	}
	fragment, err := url.ParseQuery(strings.SplitN(location, "#", 2)[1])
	if err != nil {
		t.Fatalf("Invalid fragment: %v", err)
	}
	if fragment.Get("state") != "client-state-1" {
		t.Errorf("Expected client state echoed, got %s", fragment.Get("state"))
	}
	if fragment.Get("iss") != env.config.Issuer() {
		t.Errorf("Expected iss %s, got %s", env.config.Issuer(), fragment.Get("iss"))
	}
	code := fragment.Get("code")
	if code == "" {
		t.Fatal("Fragment carries no code")
	}
	return code
}

func exchangeCode(t *testing.T, env *testEnv, key jwk.Key, code string) coreOAuth.TokenResponse {
	t.Helper()
	tokenURL := env.config.Issuer() + "/oauth/token"

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", clientCB)

	req := httptest.NewRequest(http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("DPoP", signProof(t, key, "POST", tokenURL, "", ""))
	rr := env.do(req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 from token, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp coreOAuth.TokenResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Invalid token response: %v", err)
	}
	return resp
}

func decodeJWTPayload(t *testing.T, token string) map[string]interface{} {
	t.Helper()
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("Expected JWT, got %d parts", len(parts))
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		t.Fatalf("Failed to parse claims: %v", err)
	}
	return claims
}

func TestFullAuthorizationFlow(t *testing.T) {
	env := newTestEnv(t)
	key, jkt := newClientKey(t)

	requestURI := pushPAR(t, env, key)
	code := authorizeAndReturn(t, env, requestURI)
	resp := exchangeCode(t, env, key, code)

	if resp.TokenType != "DPoP" {
		t.Errorf("Expected token_type DPoP, got %s", resp.TokenType)
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("Expected expires_in 3600, got %d", resp.ExpiresIn)
	}
	if len(resp.RefreshToken) != 64 {
		t.Errorf("Expected 64-char refresh token, got %d chars", len(resp.RefreshToken))
	}
	if resp.Sub != testDID {
		t.Errorf("Expected sub %s, got %s", testDID, resp.Sub)
	}

	claims := decodeJWTPayload(t, resp.AccessToken)
	if claims["iss"] != env.config.Issuer() {
		t.Errorf("Expected iss %s, got %v", env.config.Issuer(), claims["iss"])
	}
	if claims["sub"] != testDID {
		t.Errorf("Expected sub %s, got %v", testDID, claims["sub"])
	}
	cnf, ok := claims["cnf"].(map[string]interface{})
	if !ok || cnf["jkt"] != jkt {
		t.Errorf("Expected cnf.jkt %s, got %v", jkt, claims["cnf"])
	}
}

func TestRequestURISingleUse(t *testing.T) {
	env := newTestEnv(t)
	key, _ := newClientKey(t)

	requestURI := pushPAR(t, env, key)
	authorizeAndReturn(t, env, requestURI)

	req := httptest.NewRequest(http.MethodGet, env.config.Issuer()+"/oauth/authorize?request_uri="+url.QueryEscape(requestURI), nil)
	rr := env.do(req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for consumed request_uri, got %d", rr.Code)
	}
}

func TestExpiredPARRejected(t *testing.T) {
	env := newTestEnv(t)

	expired := coreOAuth.PARRecord{
		ClientID:          "https://client.example/metadata.json",
		RedirectURI:       clientCB,
		LoginHint:         testHandle,
		DownstreamDPoPJKT: "some-jkt",
		ExpiresAt:         time.Now().Add(-time.Second),
	}
	requestURI := "urn:ietf:params:oauth:request_uri:expired1"
	if err := env.store.StorePAR(context.Background(), requestURI, expired); err != nil {
		t.Fatalf("StorePAR failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, env.config.Issuer()+"/oauth/authorize?request_uri="+url.QueryEscape(requestURI), nil)
	rr := env.do(req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for expired PAR, got %d", rr.Code)
	}
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	env := newTestEnv(t)
	key, _ := newClientKey(t)

	requestURI := pushPAR(t, env, key)
	code := authorizeAndReturn(t, env, requestURI)
	exchangeCode(t, env, key, code)

	tokenURL := env.config.Issuer() + "/oauth/token"
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)

	req := httptest.NewRequest(http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("DPoP", signProof(t, key, "POST", tokenURL, "", ""))
	rr := env.do(req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for replayed code, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "invalid_grant") {
		t.Errorf("Expected invalid_grant, got %s", rr.Body.String())
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	env := newTestEnv(t)
	key, _ := newClientKey(t)

	requestURI := pushPAR(t, env, key)
	code := authorizeAndReturn(t, env, requestURI)
	first := exchangeCode(t, env, key, code)

	tokenURL := env.config.Issuer() + "/oauth/token"
	refresh := func(rt string) *httptest.ResponseRecorder {
		form := url.Values{}
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", rt)
		req := httptest.NewRequest(http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("DPoP", signProof(t, key, "POST", tokenURL, "", ""))
		return env.do(req)
	}

	rr := refresh(first.RefreshToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 from refresh, got %d: %s", rr.Code, rr.Body.String())
	}
	var second coreOAuth.TokenResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &second); err != nil {
		t.Fatalf("Invalid refresh response: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("Refresh token was not rotated")
	}
	if second.AccessToken == "" {
		t.Error("Refresh response carries no access token")
	}

	// Strict rotation: the old token is dead.
	rr = refresh(first.RefreshToken)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for replayed refresh token, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "invalid_grant") {
		t.Errorf("Expected invalid_grant, got %s", rr.Body.String())
	}
}

func TestXRPCForwardingWithNonceRetry(t *testing.T) {
	env := newTestEnv(t)
	key, _ := newClientKey(t)

	requestURI := pushPAR(t, env, key)
	code := authorizeAndReturn(t, env, requestURI)
	resp := exchangeCode(t, env, key, code)

	// The upstream demands a nonce the proxy has not seen yet.
	env.fake.requireXRPCNonce("NU2")

	xrpcURL := env.config.Issuer() + "/xrpc/app.foo.getThing?a=1"
	req := httptest.NewRequest(http.MethodGet, xrpcURL, nil)
	req.Header.Set("Authorization", "DPoP "+resp.AccessToken)
	req.Header.Set("DPoP", signProof(t, key, "GET", xrpcURL, "", resp.AccessToken))
	rr := env.do(req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 from forwarded xrpc, got %d: %s", rr.Code, rr.Body.String())
	}
	if strings.TrimSpace(rr.Body.String()) != `{"thing":"ok"}` {
		t.Errorf("Unexpected forwarded body: %s", rr.Body.String())
	}

	// The fresh nonce must have been persisted for the session.
	sessionID, err := env.store.GetActiveSession(context.Background(), testDID)
	if err != nil || sessionID == "" {
		t.Fatalf("No active session: %v", err)
	}
	nonce, err := env.store.GetSessionDPoPNonce(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSessionDPoPNonce failed: %v", err)
	}
	if nonce != "NU2" {
		t.Errorf("Expected stored nonce NU2, got %q", nonce)
	}
}

func TestXRPCKeyMismatch(t *testing.T) {
	env := newTestEnv(t)
	key, _ := newClientKey(t)

	requestURI := pushPAR(t, env, key)
	code := authorizeAndReturn(t, env, requestURI)
	resp := exchangeCode(t, env, key, code)

	otherKey, _ := newClientKey(t)
	xrpcURL := env.config.Issuer() + "/xrpc/app.foo.getThing"
	req := httptest.NewRequest(http.MethodGet, xrpcURL, nil)
	req.Header.Set("Authorization", "DPoP "+resp.AccessToken)
	req.Header.Set("DPoP", signProof(t, otherKey, "GET", xrpcURL, "", resp.AccessToken))
	rr := env.do(req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for key mismatch, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "DPoP key mismatch") {
		t.Errorf("Expected DPoP key mismatch error, got %s", rr.Body.String())
	}
}

func TestXRPCRejectsInvalidToken(t *testing.T) {
	env := newTestEnv(t)
	key, _ := newClientKey(t)

	xrpcURL := env.config.Issuer() + "/xrpc/app.foo.getThing"
	req := httptest.NewRequest(http.MethodGet, xrpcURL, nil)
	req.Header.Set("Authorization", "DPoP not-a-jwt")
	req.Header.Set("DPoP", signProof(t, key, "GET", xrpcURL, "", "not-a-jwt"))
	rr := env.do(req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for invalid token, got %d", rr.Code)
	}
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t)
	key, _ := newClientKey(t)

	requestURI := pushPAR(t, env, key)
	code := authorizeAndReturn(t, env, requestURI)
	resp := exchangeCode(t, env, key, code)

	revokeURL := env.config.Issuer() + "/oauth/revoke"
	req := httptest.NewRequest(http.MethodPost, revokeURL, nil)
	req.Header.Set("DPoP", signProof(t, key, "POST", revokeURL, "", ""))
	rr := env.do(req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("Expected 204 from revoke, got %d: %s", rr.Code, rr.Body.String())
	}

	// The session is gone; forwarding now fails closed.
	xrpcURL := env.config.Issuer() + "/xrpc/app.foo.getThing"
	req = httptest.NewRequest(http.MethodGet, xrpcURL, nil)
	req.Header.Set("Authorization", "DPoP "+resp.AccessToken)
	req.Header.Set("DPoP", signProof(t, key, "GET", xrpcURL, "", resp.AccessToken))
	rr = env.do(req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 after revocation, got %d", rr.Code)
	}
}

func TestXRPCAnonymousPassthrough(t *testing.T) {
	env := newTestEnv(t)
	env.config.DefaultPDS = env.fake.server.URL

	req := httptest.NewRequest(http.MethodGet, env.config.Issuer()+"/xrpc/app.foo.getThing", nil)
	rr := env.do(req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 from anonymous passthrough, got %d: %s", rr.Code, rr.Body.String())
	}
	if strings.TrimSpace(rr.Body.String()) != `{"thing":"ok"}` {
		t.Errorf("Unexpected passthrough body: %s", rr.Body.String())
	}
}

func TestAuthorizeRequiresRequestURI(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, env.config.Issuer()+"/oauth/authorize?client_id=x&redirect_uri=y&response_type=code", nil)
	rr := env.do(req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for non-PAR authorize, got %d", rr.Code)
	}
}

func TestMetadataEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(httptest.NewRequest(http.MethodGet, env.config.Issuer()+"/.well-known/oauth-authorization-server", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 from metadata, got %d", rr.Code)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &meta); err != nil {
		t.Fatalf("Invalid metadata JSON: %v", err)
	}
	if meta["issuer"] != env.config.Issuer() {
		t.Errorf("Expected issuer %s, got %v", env.config.Issuer(), meta["issuer"])
	}
	if meta["require_pushed_authorization_requests"] != true {
		t.Error("Metadata does not require PAR")
	}

	rr = env.do(httptest.NewRequest(http.MethodGet, env.config.Issuer()+"/oauth/jwks.json", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 from JWKS, got %d", rr.Code)
	}
	var jwks struct {
		Keys []map[string]interface{} `json:"keys"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &jwks); err != nil {
		t.Fatalf("Invalid JWKS: %v", err)
	}
	if len(jwks.Keys) != 1 {
		t.Fatalf("Expected 1 key, got %d", len(jwks.Keys))
	}
	k := jwks.Keys[0]
	if k["kty"] != "EC" || k["crv"] != "P-256" || k["kid"] != "proxy-signing-key" {
		t.Errorf("Unexpected JWKS key: %v", k)
	}
	if _, hasPrivate := k["d"]; hasPrivate {
		t.Error("JWKS leaked private key material")
	}

	rr = env.do(httptest.NewRequest(http.MethodGet, env.config.Issuer()+"/oauth-client-metadata.json", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 from client metadata, got %d", rr.Code)
	}
	var clientMeta coreOAuth.ClientMetadata
	if err := json.Unmarshal(rr.Body.Bytes(), &clientMeta); err != nil {
		t.Fatalf("Invalid client metadata: %v", err)
	}
	if !clientMeta.DPoPBoundAccessTokens {
		t.Error("Client metadata does not declare DPoP-bound tokens")
	}
}
