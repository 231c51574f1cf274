package identity

import (
	"context"
	"time"
)

// Resolver maps a user identifier to their account identity. The OAuth
// layer is parameterized over this interface; the default implementation
// resolves through the atproto identity directory (DNS, well-known, PLC).
type Resolver interface {
	// Resolve resolves a handle (alice.example.com) or DID (did:plc:...)
	// to complete identity information.
	Resolve(ctx context.Context, identifier string) (*Identity, error)

	// Purge removes an identifier from any caching layer.
	Purge(ctx context.Context, identifier string) error
}

// Identity is a fully resolved atproto identity.
type Identity struct {
	DID        string
	Handle     string
	PDSURL     string
	ResolvedAt time.Time
}
