// Package postgres implements the proxy's aggregate store on PostgreSQL.
// Single-consume reads use DELETE ... RETURNING, and jti replay tracking
// relies on the primary-key constraint with ON CONFLICT DO NOTHING, so the
// atomicity contracts hold across processes.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	upstream "github.com/espeon/oatproxy/internal/atproto/oauth"
	coreOAuth "github.com/espeon/oatproxy/internal/core/oauth"
)

// Store is a PostgreSQL-backed implementation of oauth.Store.
type Store struct {
	db *sql.DB
}

// NewStore creates a Postgres-backed store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ coreOAuth.Store = (*Store)(nil)

func (s *Store) StorePAR(ctx context.Context, requestURI string, par coreOAuth.PARRecord) error {
	query := `
		INSERT INTO oauth_par_requests (
			request_uri, client_id, redirect_uri, response_type, state,
			scope, code_challenge, code_challenge_method, login_hint,
			downstream_dpop_jkt, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, query,
		requestURI, par.ClientID, par.RedirectURI, par.ResponseType,
		nullString(par.State), nullString(par.Scope),
		par.CodeChallenge, par.CodeChallengeMethod, nullString(par.LoginHint),
		par.DownstreamDPoPJKT, par.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store PAR: %w", err)
	}
	return nil
}

func (s *Store) ConsumePAR(ctx context.Context, requestURI string) (*coreOAuth.PARRecord, error) {
	query := `
		DELETE FROM oauth_par_requests
		WHERE request_uri = $1
		RETURNING
			client_id, redirect_uri, response_type, COALESCE(state, ''),
			COALESCE(scope, ''), code_challenge, code_challenge_method,
			COALESCE(login_hint, ''), downstream_dpop_jkt, expires_at
	`
	var par coreOAuth.PARRecord
	err := s.db.QueryRowContext(ctx, query, requestURI).Scan(
		&par.ClientID, &par.RedirectURI, &par.ResponseType, &par.State,
		&par.Scope, &par.CodeChallenge, &par.CodeChallengeMethod,
		&par.LoginHint, &par.DownstreamDPoPJKT, &par.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume PAR: %w", err)
	}
	return &par, nil
}

func (s *Store) StoreDownstreamClientInfo(ctx context.Context, key string, info coreOAuth.DownstreamClientInfo) error {
	query := `
		INSERT INTO oauth_downstream_clients (
			flow_key, redirect_uri, state, response_type, scope, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (flow_key) DO UPDATE SET
			redirect_uri = EXCLUDED.redirect_uri,
			state = EXCLUDED.state,
			response_type = EXCLUDED.response_type,
			scope = EXCLUDED.scope,
			expires_at = EXCLUDED.expires_at
	`
	_, err := s.db.ExecContext(ctx, query,
		key, info.RedirectURI, nullString(info.State), info.ResponseType,
		nullString(info.Scope), info.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store downstream client info: %w", err)
	}
	return nil
}

func (s *Store) ConsumeDownstreamClientInfo(ctx context.Context, key string) (*coreOAuth.DownstreamClientInfo, error) {
	query := `
		DELETE FROM oauth_downstream_clients
		WHERE flow_key = $1
		RETURNING redirect_uri, COALESCE(state, ''), response_type,
			COALESCE(scope, ''), expires_at
	`
	var info coreOAuth.DownstreamClientInfo
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&info.RedirectURI, &info.State, &info.ResponseType, &info.Scope, &info.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume downstream client info: %w", err)
	}
	return &info, nil
}

func (s *Store) StorePendingAuth(ctx context.Context, code string, auth coreOAuth.PendingAuth) error {
	query := `
		INSERT INTO oauth_pending_auths (
			code, account_did, upstream_session_id, redirect_uri, state, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		code, auth.AccountDID, auth.UpstreamSessionID, auth.RedirectURI,
		nullString(auth.State), auth.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store pending auth: %w", err)
	}
	return nil
}

func (s *Store) ConsumePendingAuth(ctx context.Context, code string) (*coreOAuth.PendingAuth, error) {
	query := `
		DELETE FROM oauth_pending_auths
		WHERE code = $1
		RETURNING account_did, upstream_session_id, redirect_uri,
			COALESCE(state, ''), expires_at
	`
	var auth coreOAuth.PendingAuth
	err := s.db.QueryRowContext(ctx, query, code).Scan(
		&auth.AccountDID, &auth.UpstreamSessionID, &auth.RedirectURI,
		&auth.State, &auth.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume pending auth: %w", err)
	}
	return &auth, nil
}

func (s *Store) StoreRefreshToken(ctx context.Context, token, accountDID, sessionID string) error {
	query := `
		INSERT INTO oauth_refresh_tokens (token, account_did, session_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE SET
			account_did = EXCLUDED.account_did,
			session_id = EXCLUDED.session_id
	`
	if _, err := s.db.ExecContext(ctx, query, token, accountDID, sessionID); err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

func (s *Store) ConsumeRefreshToken(ctx context.Context, token string) (string, string, error) {
	query := `
		DELETE FROM oauth_refresh_tokens
		WHERE token = $1
		RETURNING account_did, session_id
	`
	var did, sessionID string
	err := s.db.QueryRowContext(ctx, query, token).Scan(&did, &sessionID)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to consume refresh token: %w", err)
	}
	return did, sessionID, nil
}

func (s *Store) StoreActiveSession(ctx context.Context, did, sessionID string) error {
	query := `
		INSERT INTO oauth_active_sessions (did, session_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (did) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, did, sessionID); err != nil {
		return fmt.Errorf("failed to store active session: %w", err)
	}
	return nil
}

func (s *Store) GetActiveSession(ctx context.Context, did string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM oauth_active_sessions WHERE did = $1`, did,
	).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get active session: %w", err)
	}
	return sessionID, nil
}

func (s *Store) StoreSessionDPoPKey(ctx context.Context, sessionID string, key coreOAuth.SessionDPoPKey) error {
	query := `
		INSERT INTO oauth_session_keys (session_id, dpop_jkt, dpop_private_jwk)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET
			dpop_jkt = EXCLUDED.dpop_jkt,
			dpop_private_jwk = EXCLUDED.dpop_private_jwk
	`
	if _, err := s.db.ExecContext(ctx, query, sessionID, key.JKT, key.PrivateJWK); err != nil {
		return fmt.Errorf("failed to store session DPoP key: %w", err)
	}
	return nil
}

func (s *Store) GetSessionDPoPKey(ctx context.Context, sessionID string) (*coreOAuth.SessionDPoPKey, error) {
	var key coreOAuth.SessionDPoPKey
	err := s.db.QueryRowContext(ctx,
		`SELECT dpop_jkt, dpop_private_jwk FROM oauth_session_keys WHERE session_id = $1`, sessionID,
	).Scan(&key.JKT, &key.PrivateJWK)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session DPoP key: %w", err)
	}
	return &key, nil
}

func (s *Store) UpdateSessionDPoPNonce(ctx context.Context, sessionID, nonce string) error {
	query := `
		INSERT INTO oauth_session_nonces (session_id, nonce, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (session_id) DO UPDATE SET
			nonce = EXCLUDED.nonce,
			updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, sessionID, nonce); err != nil {
		return fmt.Errorf("failed to update session DPoP nonce: %w", err)
	}
	return nil
}

func (s *Store) GetSessionDPoPNonce(ctx context.Context, sessionID string) (string, error) {
	var nonce string
	err := s.db.QueryRowContext(ctx,
		`SELECT nonce FROM oauth_session_nonces WHERE session_id = $1`, sessionID,
	).Scan(&nonce)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get session DPoP nonce: %w", err)
	}
	return nonce, nil
}

func (s *Store) StoreSessionJKT(ctx context.Context, jkt, accountDID, sessionID string) error {
	query := `
		INSERT INTO oauth_session_jkts (jkt, account_did, session_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (jkt) DO UPDATE SET
			account_did = EXCLUDED.account_did,
			session_id = EXCLUDED.session_id
	`
	if _, err := s.db.ExecContext(ctx, query, jkt, accountDID, sessionID); err != nil {
		return fmt.Errorf("failed to store session JKT index: %w", err)
	}
	return nil
}

func (s *Store) GetSessionByJKT(ctx context.Context, jkt string) (string, string, error) {
	var did, sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT account_did, session_id FROM oauth_session_jkts WHERE jkt = $1`, jkt,
	).Scan(&did, &sessionID)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to look up session by JKT: %w", err)
	}
	return did, sessionID, nil
}

func (s *Store) InsertOnce(ctx context.Context, jtiHash string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_used_jtis (jti_hash) VALUES ($1) ON CONFLICT (jti_hash) DO NOTHING`,
		jtiHash,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record jti: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

func (s *Store) CleanupExpired(ctx context.Context, before time.Time) error {
	statements := []struct {
		query string
		arg   interface{}
	}{
		{`DELETE FROM oauth_used_jtis WHERE created_at < $1`, before},
		{`DELETE FROM oauth_par_requests WHERE expires_at < $1`, before},
		{`DELETE FROM oauth_downstream_clients WHERE expires_at < $1`, before},
		{`DELETE FROM oauth_pending_auths WHERE expires_at < $1`, before},
		{`DELETE FROM oauth_requests WHERE created_at < $1 - INTERVAL '30 minutes'`, before},
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt.query, stmt.arg); err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}
	}
	return nil
}

// ClientAuthStore operations (upstream session state).

func (s *Store) SaveAuthRequest(ctx context.Context, info upstream.AuthRequestData) error {
	query := `
		INSERT INTO oauth_requests (
			state, account_did, pds_url, auth_server_iss,
			auth_server_token_endpoint, pkce_verifier, dpop_private_jwk,
			dpop_authserver_nonce, scope, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query,
		info.State, nullString(info.AccountDID), info.PDSURL, info.AuthServerIss,
		info.AuthServerTokenEndpoint, info.PKCEVerifier, info.DPoPPrivateJWK,
		nullString(info.DPoPAuthServerNonce), nullString(info.Scope), info.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save auth request: %w", err)
	}
	return nil
}

func (s *Store) GetAndDeleteAuthRequest(ctx context.Context, state string) (*upstream.AuthRequestData, error) {
	query := `
		DELETE FROM oauth_requests
		WHERE state = $1
		RETURNING state, COALESCE(account_did, ''), pds_url, auth_server_iss,
			auth_server_token_endpoint, pkce_verifier, dpop_private_jwk,
			COALESCE(dpop_authserver_nonce, ''), COALESCE(scope, ''), created_at
	`
	var info upstream.AuthRequestData
	err := s.db.QueryRowContext(ctx, query, state).Scan(
		&info.State, &info.AccountDID, &info.PDSURL, &info.AuthServerIss,
		&info.AuthServerTokenEndpoint, &info.PKCEVerifier, &info.DPoPPrivateJWK,
		&info.DPoPAuthServerNonce, &info.Scope, &info.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume auth request: %w", err)
	}
	return &info, nil
}

func (s *Store) UpsertSession(ctx context.Context, sess upstream.ClientSessionData) error {
	query := `
		INSERT INTO oauth_sessions (
			did, session_id, host_url, auth_server_iss,
			auth_server_token_endpoint, scope, access_token, refresh_token,
			token_expires_at, dpop_private_jwk, dpop_authserver_nonce,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (did, session_id) DO UPDATE SET
			host_url = EXCLUDED.host_url,
			auth_server_iss = EXCLUDED.auth_server_iss,
			auth_server_token_endpoint = EXCLUDED.auth_server_token_endpoint,
			scope = EXCLUDED.scope,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expires_at = EXCLUDED.token_expires_at,
			dpop_private_jwk = EXCLUDED.dpop_private_jwk,
			dpop_authserver_nonce = EXCLUDED.dpop_authserver_nonce,
			updated_at = NOW()
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.AccountDID, sess.SessionID, sess.HostURL,
		nullString(sess.AuthServerIss), nullString(sess.AuthServerTokenEndpoint),
		nullString(sess.Scope), sess.AccessToken, nullString(sess.RefreshToken),
		sess.TokenExpiresAt, sess.DPoPPrivateJWK, nullString(sess.DPoPAuthServerNonce),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, did, sessionID string) (*upstream.ClientSessionData, error) {
	query := `
		SELECT did, session_id, host_url, COALESCE(auth_server_iss, ''),
			COALESCE(auth_server_token_endpoint, ''), COALESCE(scope, ''),
			access_token, COALESCE(refresh_token, ''), token_expires_at,
			dpop_private_jwk, COALESCE(dpop_authserver_nonce, '')
		FROM oauth_sessions
		WHERE did = $1 AND session_id = $2
	`
	var sess upstream.ClientSessionData
	err := s.db.QueryRowContext(ctx, query, did, sessionID).Scan(
		&sess.AccountDID, &sess.SessionID, &sess.HostURL, &sess.AuthServerIss,
		&sess.AuthServerTokenEndpoint, &sess.Scope, &sess.AccessToken,
		&sess.RefreshToken, &sess.TokenExpiresAt, &sess.DPoPPrivateJWK,
		&sess.DPoPAuthServerNonce,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

// DeleteSession removes a session and cascades everything it owns within a
// single transaction.
func (s *Store) DeleteSession(ctx context.Context, did, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []struct {
		query string
		args  []interface{}
	}{
		{`DELETE FROM oauth_sessions WHERE did = $1 AND session_id = $2`, []interface{}{did, sessionID}},
		{`DELETE FROM oauth_session_keys WHERE session_id = $1`, []interface{}{sessionID}},
		{`DELETE FROM oauth_session_nonces WHERE session_id = $1`, []interface{}{sessionID}},
		{`DELETE FROM oauth_session_jkts WHERE account_did = $1 AND session_id = $2`, []interface{}{did, sessionID}},
		{`DELETE FROM oauth_active_sessions WHERE did = $1 AND session_id = $2`, []interface{}{did, sessionID}},
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt.query, stmt.args...); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
	}

	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
