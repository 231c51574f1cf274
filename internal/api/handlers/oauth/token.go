package oauth

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/espeon/oatproxy/internal/atproto/auth"
	atOAuth "github.com/espeon/oatproxy/internal/atproto/oauth"
	coreOAuth "github.com/espeon/oatproxy/internal/core/oauth"
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	RedirectURI  string `json:"redirect_uri"`
}

func (t *tokenRequest) fromForm(form url.Values) {
	t.GrantType = form.Get("grant_type")
	t.Code = form.Get("code")
	t.RefreshToken = form.Get("refresh_token")
	t.ClientID = form.Get("client_id")
	t.RedirectURI = form.Get("redirect_uri")
}

// HandleToken exchanges a downstream authorization code or refresh token
// for a DPoP-bound JWT. The proof's key thumbprint is extracted here and
// baked into the token's cnf.jkt; possession is proven on every subsequent
// proxied request.
// POST /oauth/token
func (h *Handler) HandleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dpopProof := r.Header.Get("DPoP")
	if dpopProof == "" {
		writeError(w, coreOAuth.ErrDPoPProofRequired())
		return
	}
	dpopJKT, err := auth.ExtractProofJKT(dpopProof)
	if err != nil {
		writeError(w, err)
		return
	}

	var params tokenRequest
	if err := decodeBody(r, &params, params.fromForm); err != nil {
		writeError(w, coreOAuth.ErrInvalidRequest("invalid request body"))
		return
	}

	switch params.GrantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(ctx, w, params, dpopJKT)
	case "refresh_token":
		h.handleRefreshTokenGrant(ctx, w, params, dpopJKT)
	default:
		writeError(w, coreOAuth.ErrInvalidGrant())
	}
}

func (h *Handler) handleAuthorizationCodeGrant(ctx context.Context, w http.ResponseWriter, params tokenRequest, dpopJKT string) {
	if params.Code == "" {
		writeError(w, coreOAuth.ErrInvalidRequest("missing code"))
		return
	}

	pending, err := h.store.ConsumePendingAuth(ctx, params.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	if pending == nil || pending.Expired() {
		writeError(w, coreOAuth.ErrInvalidGrant())
		return
	}

	sess, err := h.store.GetSession(ctx, pending.AccountDID, pending.UpstreamSessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess == nil {
		writeError(w, coreOAuth.ErrSessionNotFound())
		return
	}

	h.issueTokens(ctx, w, sess.AccountDID, sess.SessionID, sess.Scope, dpopJKT)
}

func (h *Handler) handleRefreshTokenGrant(ctx context.Context, w http.ResponseWriter, params tokenRequest, dpopJKT string) {
	if params.RefreshToken == "" {
		writeError(w, coreOAuth.ErrInvalidRequest("missing refresh_token"))
		return
	}

	// Strict rotation: the presented token is consumed whether or not the
	// rest of the grant succeeds, and a replay gets invalid_grant.
	did, sessionID, err := h.store.ConsumeRefreshToken(ctx, params.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	if did == "" {
		writeError(w, coreOAuth.ErrInvalidGrant())
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

	// Keep the upstream session fresh while the client is active. A failed
	// refresh is not fatal here: the forwarding layer will surface upstream
	// auth failures on the next proxied call.
	if err := h.tokens.RefreshUpstreamIfNeeded(ctx, sess); err != nil {
		slog.Warn("upstream refresh failed during refresh grant", "did", did, "error", err)
	}

	h.issueTokens(ctx, w, sess.AccountDID, sess.SessionID, sess.Scope, dpopJKT)
}

// issueTokens mints the downstream JWT plus a rotated refresh token and
// updates the session indexes (active pointer, JKT index for revocation).
func (h *Handler) issueTokens(ctx context.Context, w http.ResponseWriter, did, sessionID, scope, dpopJKT string) {
	if scope == "" {
		scope = strings.Join(h.config.Scopes, " ")
	}

	accessToken, err := h.tokens.IssueDownstreamJWT(ctx, did, dpopJKT, scope)
	if err != nil {
		writeError(w, err)
		return
	}

	refreshToken := atOAuth.GenerateToken(64)
	if err := h.store.StoreRefreshToken(ctx, refreshToken, did, sessionID); err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.StoreActiveSession(ctx, did, sessionID); err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.StoreSessionJKT(ctx, dpopJKT, did, sessionID); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("issued downstream tokens", "did", did, "session_id", sessionID)

	writeJSON(w, http.StatusOK, coreOAuth.TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "DPoP",
		ExpiresIn:    int64(h.tokens.TokenExpiry().Seconds()),
		RefreshToken: refreshToken,
		Scope:        scope,
		Sub:          did,
	})
}

// HandleRevoke deletes the upstream session bound to the caller's DPoP key
// and revokes its upstream access token best-effort.
// POST /oauth/revoke
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dpopProof := r.Header.Get("DPoP")
	if dpopProof == "" {
		writeError(w, coreOAuth.ErrDPoPProofRequired())
		return
	}
	dpopJKT, err := auth.ExtractProofJKT(dpopProof)
	if err != nil {
		writeError(w, err)
		return
	}

	did, sessionID, err := h.store.GetSessionByJKT(ctx, dpopJKT)
	if err != nil {
		writeError(w, err)
		return
	}
	if did == "" {
		writeError(w, coreOAuth.ErrSessionNotFound())
		return
	}

	if err := h.upstream.Logout(ctx, did, sessionID); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("revoked session", "did", did, "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}
