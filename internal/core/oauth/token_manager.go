package oauth

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/espeon/oatproxy/internal/atproto/auth"
	upstream "github.com/espeon/oatproxy/internal/atproto/oauth"
)

// RefreshBuffer is how long before upstream token expiry a refresh is
// triggered.
const RefreshBuffer = 5 * time.Minute

// TokenManager issues and validates the proxy's downstream JWTs and drives
// upstream token refresh.
type TokenManager struct {
	issuer      string
	keys        KeyStore
	upstream    *upstream.Client
	tokenExpiry time.Duration
}

// NewTokenManager creates a token manager for the given issuer.
func NewTokenManager(issuer string, keys KeyStore, upstreamClient *upstream.Client, tokenExpiry time.Duration) *TokenManager {
	if tokenExpiry == 0 {
		tokenExpiry = time.Hour
	}
	return &TokenManager{
		issuer:      issuer,
		keys:        keys,
		upstream:    upstreamClient,
		tokenExpiry: tokenExpiry,
	}
}

// TokenExpiry is the lifetime of issued downstream JWTs.
func (m *TokenManager) TokenExpiry() time.Duration { return m.tokenExpiry }

// IssueDownstreamJWT issues an ES256 access token for a downstream client,
// bound to the client's DPoP key thumbprint via cnf.jkt.
func (m *TokenManager) IssueDownstreamJWT(ctx context.Context, subjectDID, dpopJKT, scope string) (string, error) {
	key, err := m.signingKey(ctx)
	if err != nil {
		return "", err
	}
	return auth.SignDownstreamJWT(key, m.issuer, subjectDID, scope, dpopJKT, m.tokenExpiry)
}

// ValidateDownstreamJWT verifies a proxy-issued access token and returns
// its claims.
func (m *TokenManager) ValidateDownstreamJWT(ctx context.Context, token string) (*auth.DownstreamClaims, error) {
	key, err := m.signingKey(ctx)
	if err != nil {
		return nil, err
	}
	return auth.ValidateDownstreamJWT(token, &key.PublicKey, m.issuer)
}

// RefreshUpstreamIfNeeded refreshes the session's upstream tokens when they
// expire within RefreshBuffer. The session is updated in place and
// persisted by the upstream client.
func (m *TokenManager) RefreshUpstreamIfNeeded(ctx context.Context, sess *upstream.ClientSessionData) error {
	if sess.TokenExpiresAt.After(time.Now().Add(RefreshBuffer)) {
		return nil
	}
	return m.upstream.RefreshSession(ctx, sess)
}

func (m *TokenManager) signingKey(ctx context.Context) (*ecdsa.PrivateKey, error) {
	jwkKey, err := m.keys.GetSigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	var raw ecdsa.PrivateKey
	if err := jwkKey.Raw(&raw); err != nil {
		return nil, fmt.Errorf("signing key is not an EC private key: %w", err)
	}
	return &raw, nil
}
