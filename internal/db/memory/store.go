// Package memory provides an in-memory Store implementation. It honors the
// same atomicity contracts as the Postgres store (single-consume reads,
// insert-once jti tracking) using a single mutex, which makes it suitable
// for tests and single-process deployments.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	coreOAuth "github.com/espeon/oatproxy/internal/core/oauth"
	upstream "github.com/espeon/oatproxy/internal/atproto/oauth"
)

type refreshMapping struct {
	accountDID string
	sessionID  string
}

type sessionKey struct {
	did       string
	sessionID string
}

// Store is an in-memory implementation of oauth.Store.
type Store struct {
	mu sync.Mutex

	pars            map[string]coreOAuth.PARRecord
	clientInfo      map[string]coreOAuth.DownstreamClientInfo
	pendingAuths    map[string]coreOAuth.PendingAuth
	refreshTokens   map[string]refreshMapping
	activeSessions  map[string]string
	sessionDPoPKeys map[string]coreOAuth.SessionDPoPKey
	sessionNonces   map[string]string
	sessionJKTs     map[string]refreshMapping
	sessions        map[sessionKey]upstream.ClientSessionData
	authRequests    map[string]upstream.AuthRequestData
	usedJTIs        map[string]time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		pars:            make(map[string]coreOAuth.PARRecord),
		clientInfo:      make(map[string]coreOAuth.DownstreamClientInfo),
		pendingAuths:    make(map[string]coreOAuth.PendingAuth),
		refreshTokens:   make(map[string]refreshMapping),
		activeSessions:  make(map[string]string),
		sessionDPoPKeys: make(map[string]coreOAuth.SessionDPoPKey),
		sessionNonces:   make(map[string]string),
		sessionJKTs:     make(map[string]refreshMapping),
		sessions:        make(map[sessionKey]upstream.ClientSessionData),
		authRequests:    make(map[string]upstream.AuthRequestData),
		usedJTIs:        make(map[string]time.Time),
	}
}

var _ coreOAuth.Store = (*Store)(nil)

func (s *Store) StorePAR(ctx context.Context, requestURI string, par coreOAuth.PARRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pars[requestURI]; exists {
		return errors.New("request_uri already staged")
	}
	s.pars[requestURI] = par
	return nil
}

func (s *Store) ConsumePAR(ctx context.Context, requestURI string) (*coreOAuth.PARRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	par, ok := s.pars[requestURI]
	if !ok {
		return nil, nil
	}
	delete(s.pars, requestURI)
	return &par, nil
}

func (s *Store) StoreDownstreamClientInfo(ctx context.Context, key string, info coreOAuth.DownstreamClientInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientInfo[key] = info
	return nil
}

func (s *Store) ConsumeDownstreamClientInfo(ctx context.Context, key string) (*coreOAuth.DownstreamClientInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.clientInfo[key]
	if !ok {
		return nil, nil
	}
	delete(s.clientInfo, key)
	return &info, nil
}

func (s *Store) StorePendingAuth(ctx context.Context, code string, auth coreOAuth.PendingAuth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pendingAuths[code]; exists {
		return errors.New("authorization code already stored")
	}
	s.pendingAuths[code] = auth
	return nil
}

func (s *Store) ConsumePendingAuth(ctx context.Context, code string) (*coreOAuth.PendingAuth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	auth, ok := s.pendingAuths[code]
	if !ok {
		return nil, nil
	}
	delete(s.pendingAuths, code)
	return &auth, nil
}

func (s *Store) StoreRefreshToken(ctx context.Context, token, accountDID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[token] = refreshMapping{accountDID: accountDID, sessionID: sessionID}
	return nil
}

func (s *Store) ConsumeRefreshToken(ctx context.Context, token string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mapping, ok := s.refreshTokens[token]
	if !ok {
		return "", "", nil
	}
	delete(s.refreshTokens, token)
	return mapping.accountDID, mapping.sessionID, nil
}

func (s *Store) StoreActiveSession(ctx context.Context, did, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeSessions[did] = sessionID
	return nil
}

func (s *Store) GetActiveSession(ctx context.Context, did string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeSessions[did], nil
}

func (s *Store) StoreSessionDPoPKey(ctx context.Context, sessionID string, key coreOAuth.SessionDPoPKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionDPoPKeys[sessionID] = key
	return nil
}

func (s *Store) GetSessionDPoPKey(ctx context.Context, sessionID string) (*coreOAuth.SessionDPoPKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.sessionDPoPKeys[sessionID]
	if !ok {
		return nil, nil
	}
	return &key, nil
}

func (s *Store) UpdateSessionDPoPNonce(ctx context.Context, sessionID, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionNonces[sessionID] = nonce
	return nil
}

func (s *Store) GetSessionDPoPNonce(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionNonces[sessionID], nil
}

func (s *Store) StoreSessionJKT(ctx context.Context, jkt, accountDID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionJKTs[jkt] = refreshMapping{accountDID: accountDID, sessionID: sessionID}
	return nil
}

func (s *Store) GetSessionByJKT(ctx context.Context, jkt string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mapping, ok := s.sessionJKTs[jkt]
	if !ok {
		return "", "", nil
	}
	return mapping.accountDID, mapping.sessionID, nil
}

func (s *Store) InsertOnce(ctx context.Context, jtiHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.usedJTIs[jtiHash]; seen {
		return false, nil
	}
	s.usedJTIs[jtiHash] = time.Now()
	return true, nil
}

func (s *Store) CleanupExpired(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jti, seen := range s.usedJTIs {
		if seen.Before(before) {
			delete(s.usedJTIs, jti)
		}
	}
	for uri, par := range s.pars {
		if par.ExpiresAt.Before(before) {
			delete(s.pars, uri)
		}
	}
	for key, info := range s.clientInfo {
		if info.ExpiresAt.Before(before) {
			delete(s.clientInfo, key)
		}
	}
	for code, auth := range s.pendingAuths {
		if auth.ExpiresAt.Before(before) {
			delete(s.pendingAuths, code)
		}
	}
	for state, req := range s.authRequests {
		if req.CreatedAt.Add(30 * time.Minute).Before(before) {
			delete(s.authRequests, state)
		}
	}
	return nil
}

// ClientAuthStore operations (upstream session state).

func (s *Store) SaveAuthRequest(ctx context.Context, info upstream.AuthRequestData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authRequests[info.State] = info
	return nil
}

func (s *Store) GetAndDeleteAuthRequest(ctx context.Context, state string) (*upstream.AuthRequestData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.authRequests[state]
	if !ok {
		return nil, nil
	}
	delete(s.authRequests, state)
	return &info, nil
}

func (s *Store) UpsertSession(ctx context.Context, sess upstream.ClientSessionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionKey{did: sess.AccountDID, sessionID: sess.SessionID}] = sess
	return nil
}

func (s *Store) GetSession(ctx context.Context, did, sessionID string) (*upstream.ClientSessionData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey{did: did, sessionID: sessionID}]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

// DeleteSession removes a session and cascades everything it owns: its DPoP
// key and nonce, its JKT index entries, and the active pointer when it
// still names this session.
func (s *Store) DeleteSession(ctx context.Context, did, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey{did: did, sessionID: sessionID})
	delete(s.sessionDPoPKeys, sessionID)
	delete(s.sessionNonces, sessionID)
	for jkt, mapping := range s.sessionJKTs {
		if mapping.accountDID == did && mapping.sessionID == sessionID {
			delete(s.sessionJKTs, jkt)
		}
	}
	if s.activeSessions[did] == sessionID {
		delete(s.activeSessions, did)
	}
	return nil
}
