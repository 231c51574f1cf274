package oauth

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	atOAuth "github.com/espeon/oatproxy/internal/atproto/oauth"
	coreOAuth "github.com/espeon/oatproxy/internal/core/oauth"
)

// HandleAuthorize consumes a staged PAR record and redirects the user to
// their PDS's authorization endpoint. The proxy starts its own upstream
// flow here: PDS resolution, PKCE, a fresh session DPoP key and an upstream
// PAR all happen inside the upstream client.
//
// Metadata advertises require_pushed_authorization_requests, so a request
// without request_uri is rejected rather than falling back to bare query
// parameters.
// GET /oauth/authorize
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestURI := r.URL.Query().Get("request_uri")
	if requestURI == "" {
		writeError(w, coreOAuth.ErrInvalidRequest("request_uri is required (pushed authorization requests only)"))
		return
	}

	par, err := h.store.ConsumePAR(ctx, requestURI)
	if err != nil {
		writeError(w, err)
		return
	}
	if par == nil {
		writeError(w, coreOAuth.ErrInvalidRequest("invalid or expired request_uri"))
		return
	}
	if par.Expired() {
		writeError(w, coreOAuth.ErrInvalidRequest("request_uri expired"))
		return
	}

	loginHint := par.LoginHint
	if loginHint == "" {
		loginHint = r.URL.Query().Get("login_hint")
	}
	if loginHint == "" {
		writeError(w, coreOAuth.ErrInvalidRequest("missing login_hint"))
		return
	}

	scopes := h.config.Scopes
	if par.Scope != "" {
		scopes = strings.Fields(par.Scope)
	}

	// Fresh proxy-owned state links the upstream callback to this flow.
	proxyState := atOAuth.GenerateToken(32)

	authURL, err := h.upstream.StartAuthFlow(ctx, loginHint, scopes, proxyState)
	if err != nil {
		slog.Error("failed to start upstream auth flow", "login_hint", loginHint, "error", err)
		writeError(w, coreOAuth.ErrInvalidRequest("failed to start auth: "+err.Error()))
		return
	}

	// Move the flow info from the PAR-time JKT key to the state key the
	// return handler will look up. Consuming the JKT copy keeps a single
	// live record per flow.
	if _, err := h.store.ConsumeDownstreamClientInfo(ctx, par.DownstreamDPoPJKT); err != nil {
		writeError(w, err)
		return
	}

	info := coreOAuth.DownstreamClientInfo{
		RedirectURI:  par.RedirectURI,
		State:        par.State,
		ResponseType: par.ResponseType,
		Scope:        par.Scope,
		ExpiresAt:    time.Now().Add(coreOAuth.FlowExpiry),
	}
	if err := h.store.StoreDownstreamClientInfo(ctx, proxyState, info); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("redirecting to upstream authorization", "client_id", par.ClientID)
	http.Redirect(w, r, authURL, http.StatusFound)
}
