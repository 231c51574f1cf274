package oauth

import "time"

// Lifetimes for the short-lived downstream flow records.
const (
	// PARExpiry is the lifetime of a pushed authorization request (RFC 9126).
	PARExpiry = 90 * time.Second
	// FlowExpiry is the lifetime of in-flight client info and pending codes.
	FlowExpiry = 10 * time.Minute
)

// PARRecord is a downstream pushed authorization request, staged at
// /oauth/par and consumed once at /oauth/authorize.
type PARRecord struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	State               string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	LoginHint           string
	// DownstreamDPoPJKT is the thumbprint of the key the client proved at
	// PAR time; tokens issued for this flow are bound to it.
	DownstreamDPoPJKT string
	ExpiresAt         time.Time
}

// Expired reports whether the record is past its lifetime.
func (p *PARRecord) Expired() bool { return time.Now().After(p.ExpiresAt) }

// DownstreamClientInfo is the part of a downstream authorization flow the
// proxy must remember across the upstream round-trip. Stored twice: keyed by
// the client's DPoP JKT at PAR time, and keyed by the proxy-generated
// upstream state at authorize time (the copy the return handler consumes).
type DownstreamClientInfo struct {
	RedirectURI  string
	State        string
	ResponseType string
	Scope        string
	ExpiresAt    time.Time
}

// PendingAuth links a freshly minted downstream authorization code to the
// upstream session it will grant access to. Consumed once at /oauth/token.
type PendingAuth struct {
	AccountDID        string
	UpstreamSessionID string
	RedirectURI       string
	State             string
	ExpiresAt         time.Time
}

// Expired reports whether the pending authorization is past its lifetime.
func (p *PendingAuth) Expired() bool { return time.Now().After(p.ExpiresAt) }

// SessionDPoPKey is the proxy-held DPoP keypair for one upstream session.
type SessionDPoPKey struct {
	JKT string
	// PrivateJWK is the keypair as JWK JSON, private scalar included.
	PrivateJWK string
}

// TokenResponse is the downstream token endpoint response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
	Sub          string `json:"sub"`
}
