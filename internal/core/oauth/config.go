package oauth

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the proxy configuration.
type Config struct {
	// Host is the public base URL of the proxy (https://proxy.example).
	Host string

	// Scopes are the default upstream scopes requested when the downstream
	// client does not ask for specific ones.
	Scopes []string

	// ClientMetadata describes the proxy in its role as an OAuth client to
	// upstream PDSes.
	ClientMetadata ClientMetadata

	// DefaultPDS is the upstream used for unauthenticated requests.
	DefaultPDS string

	// DPoPNonceSecret derives stateless, verifiable DPoP nonces for
	// downstream clients. At least 32 bytes; never default in production.
	DPoPNonceSecret []byte

	// DownstreamTokenExpiry is the lifetime of issued downstream JWTs.
	DownstreamTokenExpiry time.Duration

	// PLCURL overrides the PLC directory (local development).
	PLCURL string

	// AllowPrivateIPs disables SSRF protection on upstream calls
	// (local development only).
	AllowPrivateIPs bool
}

// ClientMetadata is the proxy's OAuth client metadata document, served at
// /oauth-client-metadata.json and referenced as client_id upstream.
type ClientMetadata struct {
	ClientID                    string   `json:"client_id"`
	ApplicationType             string   `json:"application_type"`
	GrantTypes                  []string `json:"grant_types"`
	Scope                       string   `json:"scope"`
	ResponseTypes               []string `json:"response_types"`
	RedirectURIs                []string `json:"redirect_uris"`
	TokenEndpointAuthMethod     string   `json:"token_endpoint_auth_method"`
	TokenEndpointAuthSigningAlg string   `json:"token_endpoint_auth_signing_alg"`
	DPoPBoundAccessTokens       bool     `json:"dpop_bound_access_tokens"`
	JWKSURI                     string   `json:"jwks_uri,omitempty"`
	ClientName                  string   `json:"client_name,omitempty"`
	ClientURI                   string   `json:"client_uri,omitempty"`
	LogoURI                     string   `json:"logo_uri,omitempty"`
	TOSURI                      string   `json:"tos_uri,omitempty"`
	PolicyURI                   string   `json:"policy_uri,omitempty"`
}

// DefaultConfig builds a configuration for the given public host.
// Localhost hosts get loopback client metadata (no jwks_uri, client_id is
// the literal loopback form atproto auth servers accept); public hosts get
// a hosted metadata document.
func DefaultConfig(host string) *Config {
	host = strings.TrimSuffix(host, "/")
	scopes := []string{"atproto", "transition:generic"}

	cfg := &Config{
		Host:                  host,
		Scopes:                scopes,
		DefaultPDS:            "https://public.api.bsky.app",
		DownstreamTokenExpiry: time.Hour,
	}
	cfg.ClientMetadata = defaultClientMetadata(host, scopes)
	return cfg
}

func defaultClientMetadata(host string, scopes []string) ClientMetadata {
	scope := strings.Join(scopes, " ")
	redirectURI := host + "/oauth/return"

	if strings.Contains(host, "localhost") || strings.Contains(host, "127.0.0.1") {
		return ClientMetadata{
			ClientID:                    "http://localhost?redirect_uri=" + redirectURI + "&scope=" + strings.ReplaceAll(scope, " ", "%20"),
			ApplicationType:             "web",
			GrantTypes:                  []string{"authorization_code", "refresh_token"},
			Scope:                       scope,
			ResponseTypes:               []string{"code"},
			RedirectURIs:                []string{redirectURI},
			TokenEndpointAuthMethod:     "none",
			DPoPBoundAccessTokens:       true,
		}
	}

	return ClientMetadata{
		ClientID:                    host + "/oauth-client-metadata.json",
		ApplicationType:             "web",
		GrantTypes:                  []string{"authorization_code", "refresh_token"},
		Scope:                       scope,
		ResponseTypes:               []string{"code"},
		RedirectURIs:                []string{redirectURI},
		TokenEndpointAuthMethod:     "private_key_jwt",
		TokenEndpointAuthSigningAlg: "ES256",
		DPoPBoundAccessTokens:       true,
		JWKSURI:                     host + "/oauth/jwks.json",
		ClientURI:                   host,
	}
}

// Issuer returns the proxy issuer identifier (the host without a trailing
// slash).
func (c *Config) Issuer() string { return strings.TrimSuffix(c.Host, "/") }

// RedirectURI returns the proxy's upstream callback URL.
func (c *Config) RedirectURI() string { return c.Issuer() + "/oauth/return" }

// Validate checks the configuration is usable in production.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if len(c.DPoPNonceSecret) < 32 {
		return fmt.Errorf("dpop nonce secret must be at least 32 bytes, got %d", len(c.DPoPNonceSecret))
	}
	if len(c.Scopes) == 0 {
		return fmt.Errorf("scopes are required")
	}
	hasAtproto := false
	for _, s := range c.Scopes {
		if s == "atproto" {
			hasAtproto = true
			break
		}
	}
	if !hasAtproto {
		return fmt.Errorf("scopes must include 'atproto'")
	}
	return nil
}
