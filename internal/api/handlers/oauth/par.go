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

type parRequest struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	ResponseType        string `json:"response_type"`
	State               string `json:"state"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	LoginHint           string `json:"login_hint"`
}

func (p *parRequest) fromForm(form url.Values) {
	p.ClientID = form.Get("client_id")
	p.RedirectURI = form.Get("redirect_uri")
	p.ResponseType = form.Get("response_type")
	p.State = form.Get("state")
	p.Scope = form.Get("scope")
	p.CodeChallenge = form.Get("code_challenge")
	p.CodeChallengeMethod = form.Get("code_challenge_method")
	p.LoginHint = form.Get("login_hint")
}

// HandlePAR stages a downstream pushed authorization request (RFC 9126).
// The DPoP proof is fully verified here, including the stateless HMAC
// nonce: a first request without a nonce gets a use_dpop_nonce challenge
// with a fresh nonce in the DPoP-Nonce header.
// POST /oauth/par
func (h *Handler) HandlePAR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dpopProof := r.Header.Get("DPoP")
	if dpopProof == "" {
		writeError(w, coreOAuth.ErrDPoPProofRequired())
		return
	}

	var params parRequest
	if err := decodeBody(r, &params, params.fromForm); err != nil {
		writeError(w, coreOAuth.ErrInvalidRequest("invalid request body"))
		return
	}

	if params.ClientID == "" {
		writeError(w, coreOAuth.ErrInvalidRequest("missing client_id"))
		return
	}
	if params.RedirectURI == "" {
		writeError(w, coreOAuth.ErrInvalidRequest("missing redirect_uri"))
		return
	}
	if params.CodeChallenge == "" {
		writeError(w, coreOAuth.ErrInvalidRequest("missing code_challenge"))
		return
	}
	if params.CodeChallengeMethod != "S256" {
		writeError(w, coreOAuth.ErrInvalidRequest("only S256 code_challenge_method supported"))
		return
	}

	verified, err := h.verifier.Verify(ctx, dpopProof, auth.VerifyOptions{
		HTM:      http.MethodPost,
		HTU:      h.config.Issuer() + "/oauth/par",
		ClientID: params.ClientID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	requestURI := "urn:ietf:params:oauth:request_uri:" + atOAuth.GenerateToken(32)

	par := coreOAuth.PARRecord{
		ClientID:            params.ClientID,
		RedirectURI:         params.RedirectURI,
		ResponseType:        params.ResponseType,
		State:               params.State,
		Scope:               params.Scope,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: params.CodeChallengeMethod,
		LoginHint:           params.LoginHint,
		DownstreamDPoPJKT:   verified.JKT,
		ExpiresAt:           time.Now().Add(coreOAuth.PARExpiry),
	}
	if err := h.store.StorePAR(ctx, requestURI, par); err != nil {
		writeError(w, err)
		return
	}

	// Stash the flow info under the client's JKT as well; the authorize
	// handler moves it to the proxy state key once the upstream flow starts.
	info := coreOAuth.DownstreamClientInfo{
		RedirectURI:  par.RedirectURI,
		State:        par.State,
		ResponseType: par.ResponseType,
		Scope:        par.Scope,
		ExpiresAt:    time.Now().Add(coreOAuth.FlowExpiry),
	}
	if err := h.store.StoreDownstreamClientInfo(ctx, verified.JKT, info); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("stored PAR", "client_id", params.ClientID, "jkt", verified.JKT)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"request_uri": requestURI,
		"expires_in":  int64(coreOAuth.PARExpiry.Seconds()),
	})
}
