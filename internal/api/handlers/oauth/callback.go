package oauth

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/espeon/oatproxy/internal/atproto/auth"
	atOAuth "github.com/espeon/oatproxy/internal/atproto/oauth"
	coreOAuth "github.com/espeon/oatproxy/internal/core/oauth"
)

// HandleReturn is the callback from the upstream PDS. It exchanges the
// upstream code for tokens (stored server-side, never exposed downstream),
// pins the session's DPoP key, and hands the downstream client a fresh
// authorization code via fragment redirect. The fragment keeps the code out
// of referrer headers and server logs on the client's side.
// GET /oauth/return
func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	if upstreamErr := query.Get("error"); upstreamErr != "" {
		slog.Error("upstream auth error", "error", upstreamErr)
		writeError(w, coreOAuth.ErrInvalidRequest("upstream auth failed: "+upstreamErr))
		return
	}

	code := query.Get("code")
	if code == "" {
		writeError(w, coreOAuth.ErrInvalidGrant())
		return
	}
	state := query.Get("state")
	if state == "" {
		writeError(w, coreOAuth.ErrInvalidRequest("missing state"))
		return
	}

	sess, err := h.upstream.Callback(ctx, code, state, query.Get("iss"))
	if err != nil {
		slog.Error("upstream code exchange failed", "error", err)
		writeError(w, coreOAuth.ErrInvalidRequest("failed to exchange code: "+err.Error()))
		return
	}

	// Pin the session's DPoP keypair so the forwarding layer can sign
	// proofs without touching the session row.
	jkt, err := auth.CalculateJWKThumbprintFromJSON([]byte(sess.DPoPPrivateJWK))
	if err != nil {
		writeError(w, err)
		return
	}
	key := coreOAuth.SessionDPoPKey{JKT: jkt, PrivateJWK: sess.DPoPPrivateJWK}
	if err := h.store.StoreSessionDPoPKey(ctx, sess.SessionID, key); err != nil {
		writeError(w, err)
		return
	}

	info, err := h.store.ConsumeDownstreamClientInfo(ctx, state)
	if err != nil {
		writeError(w, err)
		return
	}
	if info == nil {
		slog.Error("no downstream client info for state")
		writeError(w, coreOAuth.ErrInvalidRequest("session not found"))
		return
	}

	downstreamCode := atOAuth.GenerateToken(32)
	pending := coreOAuth.PendingAuth{
		AccountDID:        sess.AccountDID,
		UpstreamSessionID: sess.SessionID,
		RedirectURI:       info.RedirectURI,
		State:             info.State,
		ExpiresAt:         time.Now().Add(coreOAuth.FlowExpiry),
	}
	if err := h.store.StorePendingAuth(ctx, downstreamCode, pending); err != nil {
		writeError(w, err)
		return
	}

	redirectURL := info.RedirectURI + "#code=" + url.QueryEscape(downstreamCode) +
		"&state=" + url.QueryEscape(info.State) +
		"&iss=" + url.QueryEscape(h.config.Issuer())

	slog.Info("completed upstream flow", "did", sess.AccountDID, "session_id", sess.SessionID)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}
