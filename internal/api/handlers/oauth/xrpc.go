package oauth

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/espeon/oatproxy/internal/atproto/auth"
	"github.com/espeon/oatproxy/internal/atproto/xrpc"
	coreOAuth "github.com/espeon/oatproxy/internal/core/oauth"
)

// hop-by-hop and auth headers that never cross the proxy boundary.
var skippedForwardHeaders = map[string]bool{
	"host":          true,
	"authorization": true,
	"dpop":          true,
}

// HandleXRPC forwards an authenticated request to the user's PDS:
// the downstream JWT is validated and matched against the caller's DPoP
// key, the upstream session is located through the active-session pointer,
// and the request is re-signed with the proxy-held upstream credentials.
// ANY /xrpc/*
func (h *Handler) HandleXRPC(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		// No credentials at all: pass through to the default PDS for
		// public endpoints.
		h.forwardAnonymous(w, r)
		return
	}
	token := strings.TrimPrefix(authHeader, "DPoP ")
	if token == authHeader {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	}
	if token == authHeader {
		writeError(w, coreOAuth.ErrUnauthorized("malformed Authorization header"))
		return
	}

	claims, err := h.tokens.ValidateDownstreamJWT(ctx, token)
	if err != nil {
		writeError(w, coreOAuth.ErrUnauthorized("invalid or expired token"))
		return
	}

	dpopProof := r.Header.Get("DPoP")
	if dpopProof == "" {
		writeError(w, coreOAuth.ErrDPoPProofRequired())
		return
	}
	verified, err := auth.NewDPoPVerifier(nil, h.store).Verify(ctx, dpopProof, auth.VerifyOptions{
		HTM:         r.Method,
		HTU:         h.config.Issuer() + r.URL.Path,
		AccessToken: token,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	proofJKT := verified.JKT
	boundJKT, err := claims.CnfJKT()
	if err != nil {
		writeError(w, coreOAuth.ErrUnauthorized("token has no DPoP binding"))
		return
	}
	if proofJKT != boundJKT {
		writeError(w, coreOAuth.ErrInvalidRequest("DPoP key mismatch"))
		return
	}

	did := claims.Subject
	sessionID, err := h.store.GetActiveSession(ctx, did)
	if err != nil {
		writeError(w, err)
		return
	}
	if sessionID == "" {
		writeError(w, coreOAuth.ErrSessionNotFound())
		return
	}

	sess, err := h.store.GetSession(ctx, did, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess == nil {
		writeError(w, coreOAuth.ErrSessionNotFound())
		return
	}

	// Refresh upstream credentials when they are close to expiry so the
	// forwarded call does not land with a dead token.
	if err := h.tokens.RefreshUpstreamIfNeeded(ctx, sess); err != nil {
		slog.Warn("upstream refresh failed before forwarding", "did", did, "error", err)
	}

	dpopKey, err := h.store.GetSessionDPoPKey(ctx, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if dpopKey == nil {
		writeError(w, coreOAuth.ErrInvalidRequest("DPoP key not found for session"))
		return
	}

	nonce, err := h.store.GetSessionDPoPNonce(ctx, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	upstreamURL := strings.TrimSuffix(sess.HostURL, "/") + "/" + strings.TrimPrefix(r.URL.RequestURI(), "/")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, coreOAuth.ErrInvalidRequest("failed to read request body"))
		return
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		writeError(w, coreOAuth.ErrInvalidRequest("invalid upstream URL"))
		return
	}
	for name, values := range r.Header {
		if skippedForwardHeaders[strings.ToLower(name)] {
			continue
		}
		for _, value := range values {
			upstreamReq.Header.Add(name, value)
		}
	}

	transport, err := xrpc.NewDPoPTransport(h.forwardBase, sessionID, sess.AccessToken, dpopKey.PrivateJWK, nonce, h.store)
	if err != nil {
		writeError(w, err)
		return
	}
	client := &http.Client{Transport: transport, Timeout: 30 * time.Second}

	resp, err := client.Do(upstreamReq)
	if err != nil {
		slog.Error("upstream request failed", "url", upstreamURL, "error", err)
		writeError(w, coreOAuth.ErrBadGateway())
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for name, values := range resp.Header {
		if strings.EqualFold(name, "Transfer-Encoding") {
			continue
		}
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Error("failed to stream upstream response", "error", err)
	}
}

// forwardAnonymous relays a credential-less request to the configured
// default PDS unchanged.
func (h *Handler) forwardAnonymous(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	upstreamURL := strings.TrimSuffix(h.config.DefaultPDS, "/") + "/" + strings.TrimPrefix(r.URL.RequestURI(), "/")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, coreOAuth.ErrInvalidRequest("failed to read request body"))
		return
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		writeError(w, coreOAuth.ErrInvalidRequest("invalid upstream URL"))
		return
	}
	for name, values := range r.Header {
		if skippedForwardHeaders[strings.ToLower(name)] {
			continue
		}
		for _, value := range values {
			upstreamReq.Header.Add(name, value)
		}
	}

	client := &http.Client{Transport: h.forwardBase, Timeout: 30 * time.Second}
	resp, err := client.Do(upstreamReq)
	if err != nil {
		slog.Error("anonymous upstream request failed", "url", upstreamURL, "error", err)
		writeError(w, coreOAuth.ErrBadGateway())
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for name, values := range resp.Header {
		if strings.EqualFold(name, "Transfer-Encoding") {
			continue
		}
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Error("failed to stream upstream response", "error", err)
	}
}
