// Package routes wires the OAuth proxy handlers into a chi router.
package routes

import (
	"github.com/go-chi/chi/v5"

	oauthHandlers "github.com/espeon/oatproxy/internal/api/handlers/oauth"
)

// Mount registers all proxy routes on the router.
func Mount(r chi.Router, h *oauthHandlers.Handler) {
	r.Get("/.well-known/oauth-authorization-server", h.HandleAuthServerMetadata)
	r.Get("/.well-known/oauth-protected-resource", h.HandleProtectedResourceMetadata)
	r.Get("/oauth-client-metadata.json", h.HandleClientMetadata)
	r.Get("/oauth/jwks.json", h.HandleJWKS)
	r.Post("/oauth/par", h.HandlePAR)
	r.Get("/oauth/authorize", h.HandleAuthorize)
	r.Get("/oauth/return", h.HandleReturn)
	r.Post("/oauth/token", h.HandleToken)
	r.Post("/oauth/revoke", h.HandleRevoke)
	r.HandleFunc("/xrpc/*", h.HandleXRPC)
}
