package oauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// DPoP proof construction (RFC 9449) for the proxy's upstream calls. Each
// upstream session gets its own ES256 keypair; the proof binds the request
// method, URL, access token hash and the server-issued nonce to that key.

// GenerateDPoPKey generates a new ES256 (NIST P-256) keypair for DPoP.
func GenerateDPoPKey() (jwk.Key, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	jwkKey, err := jwk.FromRaw(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWK from private key: %w", err)
	}

	if err := jwkKey.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return nil, fmt.Errorf("failed to set algorithm: %w", err)
	}
	if err := jwkKey.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("failed to set key usage: %w", err)
	}

	return jwkKey, nil
}

// CreateDPoPProof creates a DPoP proof JWT for an upstream HTTP request.
// nonce is the last DPoP-Nonce the upstream issued (empty on first contact);
// accessToken, when non-empty, adds the ath binding claim.
func CreateDPoPProof(privateKey jwk.Key, method, uri, nonce, accessToken string) (string, error) {
	pubKey, err := privateKey.PublicKey()
	if err != nil {
		return "", fmt.Errorf("failed to get public key: %w", err)
	}

	builder := jwt.NewBuilder().
		Claim("htm", method).
		Claim("htu", uri).
		Claim("iat", time.Now().Unix()).
		Claim("jti", generateJTI())

	if nonce != "" {
		builder = builder.Claim("nonce", nonce)
	}
	if accessToken != "" {
		hash := sha256.Sum256([]byte(accessToken))
		builder = builder.Claim("ath", base64.RawURLEncoding.EncodeToString(hash[:]))
	}

	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build JWT: %w", err)
	}

	payloadBytes, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token: %w", err)
	}

	// RFC 9449 requires the "jwk" header to contain the public key as a JSON
	// object, so sign with jws directly (jwt.Sign overrides headers).
	headers := jws.NewHeaders()
	if err := headers.Set(jws.AlgorithmKey, jwa.ES256); err != nil {
		return "", fmt.Errorf("failed to set algorithm: %w", err)
	}
	if err := headers.Set(jws.TypeKey, "dpop+jwt"); err != nil {
		return "", fmt.Errorf("failed to set type: %w", err)
	}
	if err := headers.Set(jws.JWKKey, pubKey); err != nil {
		return "", fmt.Errorf("failed to set JWK: %w", err)
	}

	signed, err := jws.Sign(payloadBytes, jws.WithKey(jwa.ES256, privateKey, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", fmt.Errorf("failed to sign DPoP proof: %w", err)
	}

	return string(signed), nil
}

// generateJTI generates a unique JWT ID for DPoP proofs.
func generateJTI() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// ParseJWKFromJSON parses a JWK from JSON bytes.
func ParseJWKFromJSON(data []byte) (jwk.Key, error) {
	key, err := jwk.ParseKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWK: %w", err)
	}
	return key, nil
}

// JWKToJSON converts a JWK to JSON bytes.
func JWKToJSON(key jwk.Key) ([]byte, error) {
	data, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JWK: %w", err)
	}
	return data, nil
}

// SigningKeyJWKS builds the public JWKS document for the proxy signing key,
// served at /oauth/jwks.json and referenced by the client metadata jwks_uri.
func SigningKeyJWKS(privateKey jwk.Key) (jwk.Set, error) {
	pubKey, err := privateKey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}

	if err := pubKey.Set(jwk.KeyIDKey, SigningKeyID); err != nil {
		return nil, fmt.Errorf("failed to set kid: %w", err)
	}
	if err := pubKey.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("failed to set use: %w", err)
	}
	if err := pubKey.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return nil, fmt.Errorf("failed to set alg: %w", err)
	}

	set := jwk.NewSet()
	if err := set.AddKey(pubKey); err != nil {
		return nil, fmt.Errorf("failed to add key to set: %w", err)
	}

	return set, nil
}

// SigningKeyID is the kid the proxy advertises for its signing key.
const SigningKeyID = "proxy-signing-key"
