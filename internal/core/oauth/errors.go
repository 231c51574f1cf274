package oauth

import (
	"errors"
	"net/http"
)

// Error is an OAuth-style error: a wire code plus the HTTP status it maps
// to. The handler layer renders it as {"error","error_description"} JSON.
type Error struct {
	Code        string
	Description string
	Status      int
	// DPoPNonce, when set, is surfaced via the DPoP-Nonce response header.
	DPoPNonce string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// ErrInvalidRequest builds a 400 invalid_request error.
func ErrInvalidRequest(description string) *Error {
	return &Error{Code: "invalid_request", Description: description, Status: http.StatusBadRequest}
}

// ErrInvalidGrant is the 400 invalid_grant error for bad codes and refresh
// tokens.
func ErrInvalidGrant() *Error {
	return &Error{Code: "invalid_grant", Status: http.StatusBadRequest}
}

// ErrInvalidClient builds a 400 invalid_client error.
func ErrInvalidClient(description string) *Error {
	return &Error{Code: "invalid_client", Description: description, Status: http.StatusBadRequest}
}

// ErrUnauthorized builds a 401 error.
func ErrUnauthorized(description string) *Error {
	return &Error{Code: "unauthorized", Description: description, Status: http.StatusUnauthorized}
}

// ErrSessionNotFound is the 401 error for missing or expired sessions.
func ErrSessionNotFound() *Error {
	return &Error{Code: "invalid_token", Description: "session not found", Status: http.StatusUnauthorized}
}

// ErrDPoPProofRequired is the 401 error for requests missing a DPoP header.
func ErrDPoPProofRequired() *Error {
	return &Error{Code: "invalid_dpop_proof", Description: "DPoP proof required", Status: http.StatusUnauthorized}
}

// ErrUseDPoPNonce builds the 400 use_dpop_nonce challenge carrying a fresh
// nonce for the DPoP-Nonce header.
func ErrUseDPoPNonce(nonce string) *Error {
	return &Error{
		Code:        "use_dpop_nonce",
		Description: "Authorization server requires nonce in DPoP proof",
		Status:      http.StatusBadRequest,
		DPoPNonce:   nonce,
	}
}

// ErrServerError is the opaque 500 error; storage and key failures are
// never detailed to downstream clients.
func ErrServerError() *Error {
	return &Error{Code: "server_error", Status: http.StatusInternalServerError}
}

// ErrBadGateway is the 502 error for upstream network failures.
func ErrBadGateway() *Error {
	return &Error{Code: "server_error", Description: "upstream request failed", Status: http.StatusBadGateway}
}

// AsError extracts an *Error from an error chain, or nil.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return nil
}
