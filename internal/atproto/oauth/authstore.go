package oauth

import "context"

// ClientAuthStore persists the proxy's upstream OAuth client state:
// in-flight authorization requests keyed by state, and established sessions
// keyed by (DID, session ID). Implementations live in internal/db.
type ClientAuthStore interface {
	// SaveAuthRequest stores an in-flight authorization request.
	SaveAuthRequest(ctx context.Context, info AuthRequestData) error

	// GetAndDeleteAuthRequest atomically consumes an authorization request
	// by state, so a state can only complete one callback. Returns nil when
	// the state is unknown or already consumed.
	GetAndDeleteAuthRequest(ctx context.Context, state string) (*AuthRequestData, error)

	// UpsertSession creates or replaces a session keyed by (DID, session ID).
	UpsertSession(ctx context.Context, sess ClientSessionData) error

	// GetSession returns a session, or nil when absent.
	GetSession(ctx context.Context, did, sessionID string) (*ClientSessionData, error)

	// DeleteSession removes a session and everything it owns.
	DeleteSession(ctx context.Context, did, sessionID string) error
}
