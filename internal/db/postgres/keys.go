package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/lestrrat-go/jwx/v2/jwk"

	upstream "github.com/espeon/oatproxy/internal/atproto/oauth"
)

// KeyStore persists the proxy's singleton signing key in the proxy_keys
// table, generating it on first startup. The key is cached for the process
// lifetime; it is read-only at request time.
type KeyStore struct {
	db *sql.DB

	mu     sync.Mutex
	cached jwk.Key
}

// NewKeyStore creates a Postgres-backed key store.
func NewKeyStore(db *sql.DB) *KeyStore {
	return &KeyStore{db: db}
}

// GetSigningKey loads the signing key, generating and persisting one when
// none exists yet. Concurrent first-startup races are resolved by the
// primary-key constraint: the loser re-reads the winner's key.
func (s *KeyStore) GetSigningKey(ctx context.Context) (jwk.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return s.cached, nil
	}

	key, err := s.loadKey(ctx)
	if err != nil {
		return nil, err
	}
	if key == nil {
		key, err = s.generateKey(ctx)
		if err != nil {
			return nil, err
		}
	}

	s.cached = key
	return key, nil
}

func (s *KeyStore) loadKey(ctx context.Context) (jwk.Key, error) {
	var privateJWK string
	err := s.db.QueryRowContext(ctx,
		`SELECT private_jwk FROM proxy_keys WHERE id = $1`, upstream.SigningKeyID,
	).Scan(&privateJWK)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	key, err := upstream.ParseJWKFromJSON([]byte(privateJWK))
	if err != nil {
		return nil, fmt.Errorf("stored signing key is corrupt: %w", err)
	}
	return key, nil
}

func (s *KeyStore) generateKey(ctx context.Context) (jwk.Key, error) {
	key, err := upstream.GenerateDPoPKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, upstream.SigningKeyID); err != nil {
		return nil, err
	}

	keyJSON, err := upstream.JWKToJSON(key)
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO proxy_keys (id, private_jwk) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		upstream.SigningKeyID, string(keyJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to persist signing key: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// Another instance won the insert race; use its key.
		return s.loadKey(ctx)
	}
	return key, nil
}
