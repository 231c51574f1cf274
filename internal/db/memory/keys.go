package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/lestrrat-go/jwx/v2/jwk"

	upstream "github.com/espeon/oatproxy/internal/atproto/oauth"
)

// KeyStore holds the proxy signing key in memory, generating it on first
// use. Key material does not survive a restart, which invalidates issued
// downstream tokens; production deployments use the Postgres key store.
type KeyStore struct {
	mu  sync.Mutex
	key jwk.Key
}

// NewKeyStore creates an empty in-memory key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{}
}

// GetSigningKey returns the signing key, generating it on first call.
func (s *KeyStore) GetSigningKey(ctx context.Context) (jwk.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		return s.key, nil
	}

	key, err := upstream.GenerateDPoPKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, upstream.SigningKeyID); err != nil {
		return nil, err
	}

	s.key = key
	return s.key, nil
}
