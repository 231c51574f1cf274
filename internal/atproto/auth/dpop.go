package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DPoP proof verification per RFC 9449. The proxy acts as a DPoP-aware
// authorization server for downstream clients: proofs bind requests to a
// client-held ES256 key, and issued access tokens carry the key thumbprint
// in cnf.jkt.

// Verification errors, surface-mapped by the HTTP layer.
var (
	ErrMalformedProof = errors.New("malformed DPoP proof")
	ErrBadSignature   = errors.New("DPoP proof signature verification failed")
	ErrHTMMismatch    = errors.New("DPoP proof htm mismatch")
	ErrHTUMismatch    = errors.New("DPoP proof htu mismatch")
	ErrExpiredProof   = errors.New("DPoP proof expired")
	ErrFutureProof    = errors.New("DPoP proof issued in the future")
	ErrATHMismatch    = errors.New("DPoP proof ath mismatch")
	ErrReplay         = errors.New("DPoP proof replay detected")
)

// UseDPoPNonceError signals that the proof carried no valid server nonce.
// The HTTP layer surfaces Nonce via the DPoP-Nonce response header together
// with an OAuth "use_dpop_nonce" error body, per RFC 9449 section 8.
type UseDPoPNonceError struct {
	Nonce string
}

func (e *UseDPoPNonceError) Error() string { return "use_dpop_nonce" }

// ReplayStore records one-shot proof identifiers. InsertOnce must be atomic:
// it returns true iff the hash was not previously present. JTIs are global
// one-shots, shared across all sessions.
type ReplayStore interface {
	InsertOnce(ctx context.Context, jtiHash string) (bool, error)
}

// ProofClaims are the claims of a DPoP proof JWT.
type ProofClaims struct {
	jwt.RegisteredClaims

	HTTPMethod      string `json:"htm"`
	HTTPURI         string `json:"htu"`
	AccessTokenHash string `json:"ath,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
}

// VerifiedProof is the result of successful verification.
type VerifiedProof struct {
	// JKT is the RFC 7638 thumbprint of the proof key.
	JKT string
	// PublicJWK is the raw public JWK from the proof header.
	PublicJWK map[string]interface{}
	Claims    *ProofClaims
}

// DPoPVerifier verifies downstream DPoP proofs.
type DPoPVerifier struct {
	// MaxProofAge is the maximum accepted age of a proof (default 300s).
	MaxProofAge time.Duration
	// MaxFutureSkew is the tolerated clock skew into the future (default 5s).
	MaxFutureSkew time.Duration

	// Nonces, when set, enforces the stateless HMAC nonce scheme: proofs
	// without a valid nonce fail with *UseDPoPNonceError carrying a fresh one.
	Nonces *NonceGenerator

	// Replays, when set, enforces single use of each proof jti.
	Replays ReplayStore
}

// NewDPoPVerifier returns a verifier with the standard windows.
func NewDPoPVerifier(nonces *NonceGenerator, replays ReplayStore) *DPoPVerifier {
	return &DPoPVerifier{
		MaxProofAge:   5 * time.Minute,
		MaxFutureSkew: 5 * time.Second,
		Nonces:        nonces,
		Replays:       replays,
	}
}

// VerifyOptions carry the per-request expectations for a proof.
type VerifyOptions struct {
	HTM string
	HTU string
	// AccessToken, when non-empty, requires a matching ath claim.
	AccessToken string
	// ClientID participates in nonce binding when the generator binds to it.
	ClientID string
}

// Verify parses and validates a DPoP proof JWT.
func (v *DPoPVerifier) Verify(ctx context.Context, proof string, opts VerifyOptions) (*VerifiedProof, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	unverified, _, err := parser.ParseUnverified(proof, &ProofClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}

	typ, _ := unverified.Header["typ"].(string)
	if typ != "dpop+jwt" {
		return nil, fmt.Errorf("%w: typ must be dpop+jwt, got %q", ErrMalformedProof, typ)
	}
	alg, _ := unverified.Header["alg"].(string)
	if alg != "ES256" {
		return nil, fmt.Errorf("%w: unsupported alg %q", ErrMalformedProof, alg)
	}

	jwkMap, ok := unverified.Header["jwk"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: missing jwk header", ErrMalformedProof)
	}
	if _, hasPrivate := jwkMap["d"]; hasPrivate {
		return nil, fmt.Errorf("%w: jwk header contains private key material", ErrMalformedProof)
	}

	publicKey, err := ParseECPublicJWK(jwkMap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}

	jkt, err := CalculateJWKThumbprint(jwkMap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}

	verified, err := jwt.ParseWithClaims(proof, &ProofClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return publicKey, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	claims, ok := verified.Claims.(*ProofClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrMalformedProof)
	}

	if err := v.validateClaims(ctx, claims, jkt, opts); err != nil {
		return nil, err
	}

	return &VerifiedProof{JKT: jkt, PublicJWK: jwkMap, Claims: claims}, nil
}

func (v *DPoPVerifier) validateClaims(ctx context.Context, claims *ProofClaims, jkt string, opts VerifyOptions) error {
	if claims.ID == "" {
		return fmt.Errorf("%w: missing jti", ErrMalformedProof)
	}

	if !strings.EqualFold(claims.HTTPMethod, opts.HTM) {
		return fmt.Errorf("%w: expected %s, got %s", ErrHTMMismatch, opts.HTM, claims.HTTPMethod)
	}

	if NormalizeHTU(claims.HTTPURI) != NormalizeHTU(opts.HTU) {
		return fmt.Errorf("%w: expected %s, got %s", ErrHTUMismatch, opts.HTU, claims.HTTPURI)
	}

	if claims.IssuedAt == nil {
		return fmt.Errorf("%w: missing iat", ErrMalformedProof)
	}
	now := time.Now()
	iat := claims.IssuedAt.Time
	if iat.After(now.Add(v.MaxFutureSkew)) {
		return ErrFutureProof
	}
	if now.Sub(iat) > v.MaxProofAge {
		return fmt.Errorf("%w: issued %v ago", ErrExpiredProof, now.Sub(iat).Round(time.Second))
	}

	if opts.AccessToken != "" {
		hash := sha256.Sum256([]byte(opts.AccessToken))
		expected := base64.RawURLEncoding.EncodeToString(hash[:])
		if claims.AccessTokenHash != expected {
			return ErrATHMismatch
		}
	}

	if v.Nonces != nil {
		bind := NonceBinding{
			JKT:      jkt,
			HTU:      opts.HTU,
			HTM:      opts.HTM,
			ClientID: opts.ClientID,
		}
		if claims.Nonce == "" || !v.Nonces.Verify(claims.Nonce, bind) {
			return &UseDPoPNonceError{Nonce: v.Nonces.Generate(bind)}
		}
	}

	if v.Replays != nil {
		jtiHash := sha256.Sum256([]byte(claims.ID))
		fresh, err := v.Replays.InsertOnce(ctx, hex.EncodeToString(jtiHash[:]))
		if err != nil {
			return fmt.Errorf("replay check failed: %w", err)
		}
		if !fresh {
			return fmt.Errorf("%w: jti already used", ErrReplay)
		}
	}

	return nil
}

// NormalizeHTU normalizes an htu value for comparison: scheme and host are
// lowercased, default ports stripped, query and fragment dropped, and a bare
// trailing slash removed.
func NormalizeHTU(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if (u.Scheme == "https" && strings.HasSuffix(host, ":443")) ||
		(u.Scheme == "http" && strings.HasSuffix(host, ":80")) {
		host = host[:strings.LastIndex(host, ":")]
	}
	u.Host = host
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")

	return u.String()
}

// ExtractProofJKT parses a DPoP proof header without verifying the signature
// and returns the RFC 7638 thumbprint of its embedded public key. The token
// endpoint uses this to bind issued tokens to the presented key; possession
// is proven on every subsequent proxied request.
func ExtractProofJKT(proof string) (string, error) {
	parts := strings.Split(proof, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: expected 3 parts, got %d", ErrMalformedProof, len(parts))
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: invalid header encoding: %v", ErrMalformedProof, err)
	}

	var header struct {
		JWK map[string]interface{} `json:"jwk"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return "", fmt.Errorf("%w: invalid header JSON: %v", ErrMalformedProof, err)
	}
	if header.JWK == nil {
		return "", fmt.Errorf("%w: missing jwk in header", ErrMalformedProof)
	}

	return CalculateJWKThumbprint(header.JWK)
}
