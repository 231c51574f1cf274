package oauth

import (
	"context"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	upstream "github.com/espeon/oatproxy/internal/atproto/oauth"
)

// Store is the aggregate persistence interface the proxy is built around.
// One implementation may back all the logical maps with a single
// transactional datastore (internal/db/postgres) or keep each in its own
// map (internal/db/memory).
//
// Absence is not an error: Consume*/Get* operations return nil (or empty
// strings) for unknown keys. Errors indicate storage failure and surface as 500s.
type Store interface {
	upstream.ClientAuthStore

	// StorePAR stages a pushed authorization request under its request_uri.
	StorePAR(ctx context.Context, requestURI string, par PARRecord) error
	// ConsumePAR atomically reads and deletes a PAR record.
	ConsumePAR(ctx context.Context, requestURI string) (*PARRecord, error)

	// StoreDownstreamClientInfo writes flow client info under a flow key
	// (downstream JKT or proxy state). Last writer wins.
	StoreDownstreamClientInfo(ctx context.Context, key string, info DownstreamClientInfo) error
	// ConsumeDownstreamClientInfo atomically reads and deletes client info.
	ConsumeDownstreamClientInfo(ctx context.Context, key string) (*DownstreamClientInfo, error)

	// StorePendingAuth stores a pending authorization under its code.
	StorePendingAuth(ctx context.Context, code string, auth PendingAuth) error
	// ConsumePendingAuth atomically reads and deletes a pending authorization.
	ConsumePendingAuth(ctx context.Context, code string) (*PendingAuth, error)

	// StoreRefreshToken maps a downstream refresh token to its session.
	StoreRefreshToken(ctx context.Context, token, accountDID, sessionID string) error
	// ConsumeRefreshToken atomically reads and deletes a refresh token
	// mapping. Rotation is strict: a consumed token is gone.
	ConsumeRefreshToken(ctx context.Context, token string) (accountDID, sessionID string, err error)

	// StoreActiveSession records the most recent session for a DID.
	StoreActiveSession(ctx context.Context, did, sessionID string) error
	// GetActiveSession returns the active session ID for a DID, or "".
	GetActiveSession(ctx context.Context, did string) (string, error)

	// StoreSessionDPoPKey upserts the upstream DPoP keypair for a session.
	StoreSessionDPoPKey(ctx context.Context, sessionID string, key SessionDPoPKey) error
	// GetSessionDPoPKey returns the keypair for a session, or nil.
	GetSessionDPoPKey(ctx context.Context, sessionID string) (*SessionDPoPKey, error)

	// UpdateSessionDPoPNonce records the last DPoP nonce the upstream
	// issued for a session.
	UpdateSessionDPoPNonce(ctx context.Context, sessionID, nonce string) error
	// GetSessionDPoPNonce returns the last-seen nonce for a session, or "".
	GetSessionDPoPNonce(ctx context.Context, sessionID string) (string, error)

	// StoreSessionJKT indexes a downstream DPoP JKT to the session its
	// tokens were issued for, so revocation can find the session from a
	// proof alone.
	StoreSessionJKT(ctx context.Context, jkt, accountDID, sessionID string) error
	// GetSessionByJKT resolves a downstream JKT to (did, session_id).
	GetSessionByJKT(ctx context.Context, jkt string) (accountDID, sessionID string, err error)

	// InsertOnce atomically records a DPoP proof jti hash, returning true
	// iff it was not previously present.
	InsertOnce(ctx context.Context, jtiHash string) (bool, error)

	// CleanupExpired purges used jti records and expired flow state older
	// than the cutoff. Best effort.
	CleanupExpired(ctx context.Context, before time.Time) error
}

// KeyStore manages the proxy's singleton signing key: a P-256 ECDSA private
// key generated at first startup and persisted. Downstream JWTs and upstream
// client assertions are signed with it.
type KeyStore interface {
	GetSigningKey(ctx context.Context) (jwk.Key, error)
}
