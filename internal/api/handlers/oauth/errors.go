package oauth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/espeon/oatproxy/internal/atproto/auth"
	coreOAuth "github.com/espeon/oatproxy/internal/core/oauth"
)

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// writeError renders an error as an OAuth-style JSON body. DPoP nonce
// challenges additionally carry the fresh nonce in the DPoP-Nonce header.
// Anything that is not a recognized wire error becomes an opaque 500 so
// backend state never leaks downstream.
func writeError(w http.ResponseWriter, err error) {
	var useNonce *auth.UseDPoPNonceError
	if errors.As(err, &useNonce) {
		w.Header().Set("DPoP-Nonce", useNonce.Nonce)
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:            "use_dpop_nonce",
			ErrorDescription: "Authorization server requires nonce in DPoP proof",
		})
		return
	}

	if oe := coreOAuth.AsError(err); oe != nil {
		if oe.DPoPNonce != "" {
			w.Header().Set("DPoP-Nonce", oe.DPoPNonce)
		}
		writeJSON(w, oe.Status, errorBody{Error: oe.Code, ErrorDescription: oe.Description})
		return
	}

	if isDPoPError(err) {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:            "invalid_dpop_proof",
			ErrorDescription: err.Error(),
		})
		return
	}

	slog.Error("internal error", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "server_error"})
}

func isDPoPError(err error) bool {
	for _, target := range []error{
		auth.ErrMalformedProof,
		auth.ErrBadSignature,
		auth.ErrHTMMismatch,
		auth.ErrHTUMismatch,
		auth.ErrExpiredProof,
		auth.ErrFutureProof,
		auth.ErrATHMismatch,
		auth.ErrReplay,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
