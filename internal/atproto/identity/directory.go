package identity

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	indigoIdentity "github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
)

// Config holds configuration for the directory-backed resolver.
type Config struct {
	// PLCURL is the URL of the PLC directory (default: https://plc.directory).
	PLCURL string

	// CacheTTL is how long resolved identities stay cached.
	CacheTTL time.Duration

	// UserAgent is sent on outbound resolution requests.
	UserAgent string

	// HTTPClient for resolution requests (optional).
	HTTPClient *http.Client
}

// directoryResolver implements Resolver over indigo's identity directory,
// wrapped in its caching layer.
type directoryResolver struct {
	dir indigoIdentity.Directory
}

// NewResolver creates a caching identity resolver.
func NewResolver(config Config) Resolver {
	if config.PLCURL == "" {
		config.PLCURL = "https://plc.directory"
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 24 * time.Hour
	}
	if config.UserAgent == "" {
		config.UserAgent = "oatproxy"
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	base := &indigoIdentity.BaseDirectory{
		PLCURL:     config.PLCURL,
		HTTPClient: *config.HTTPClient,
		UserAgent:  config.UserAgent,
	}
	cached := indigoIdentity.NewCacheDirectory(base, 100_000, config.CacheTTL, time.Minute*2, time.Minute*5)

	return &directoryResolver{dir: &cached}
}

// Resolve resolves a handle or DID to complete identity information.
func (r *directoryResolver) Resolve(ctx context.Context, identifier string) (*Identity, error) {
	identifier = strings.TrimPrefix(strings.TrimSpace(identifier), "@")
	if identifier == "" {
		return nil, &ErrInvalidIdentifier{Identifier: identifier, Reason: "identifier cannot be empty"}
	}

	atID, err := syntax.ParseAtIdentifier(identifier)
	if err != nil {
		return nil, &ErrInvalidIdentifier{Identifier: identifier, Reason: fmt.Sprintf("not a handle or DID: %v", err)}
	}

	ident, err := r.dir.Lookup(ctx, *atID)
	if err != nil {
		return nil, &ErrResolutionFailed{Identifier: identifier, Cause: err}
	}

	pdsURL := ident.PDSEndpoint()
	if pdsURL == "" {
		return nil, &ErrResolutionFailed{Identifier: identifier, Cause: fmt.Errorf("identity has no PDS endpoint")}
	}

	return &Identity{
		DID:        ident.DID.String(),
		Handle:     ident.Handle.String(),
		PDSURL:     pdsURL,
		ResolvedAt: time.Now(),
	}, nil
}

// Purge evicts an identifier from the cache.
func (r *directoryResolver) Purge(ctx context.Context, identifier string) error {
	atID, err := syntax.ParseAtIdentifier(strings.TrimSpace(identifier))
	if err != nil {
		return &ErrInvalidIdentifier{Identifier: identifier, Reason: err.Error()}
	}
	return r.dir.Purge(ctx, *atID)
}

// StaticResolver resolves every identifier to a fixed PDS. Used for tests
// and single-PDS deployments where directory resolution is unnecessary.
type StaticResolver struct {
	PDSURL string
	// DIDs maps identifiers to DIDs; identifiers already in DID form
	// resolve to themselves.
	DIDs map[string]string
}

func (r *StaticResolver) Resolve(ctx context.Context, identifier string) (*Identity, error) {
	identifier = strings.TrimPrefix(strings.TrimSpace(identifier), "@")
	did := identifier
	if !strings.HasPrefix(identifier, "did:") {
		mapped, ok := r.DIDs[identifier]
		if !ok {
			return nil, &ErrResolutionFailed{Identifier: identifier, Cause: fmt.Errorf("unknown identifier")}
		}
		did = mapped
	}
	return &Identity{
		DID:        did,
		Handle:     identifier,
		PDSURL:     r.PDSURL,
		ResolvedAt: time.Now(),
	}, nil
}

func (r *StaticResolver) Purge(ctx context.Context, identifier string) error { return nil }
