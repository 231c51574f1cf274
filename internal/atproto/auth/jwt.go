package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Downstream access tokens are ES256 JWTs signed with the proxy's singleton
// key and bound to the client's DPoP key via cnf.jkt (RFC 9449 section 6.1).

var ErrInvalidToken = errors.New("invalid token")

// DownstreamClaims are the claims of a proxy-issued access token.
type DownstreamClaims struct {
	jwt.RegisteredClaims

	Scope string `json:"scope,omitempty"`
	// Confirmation carries "jkt" (the DPoP key thumbprint).
	Confirmation map[string]interface{} `json:"cnf,omitempty"`
}

// CnfJKT extracts the cnf.jkt confirmation thumbprint from the claims.
func (c *DownstreamClaims) CnfJKT() (string, error) {
	if c.Confirmation == nil {
		return "", fmt.Errorf("%w: missing cnf claim (no DPoP binding)", ErrInvalidToken)
	}
	jkt, ok := c.Confirmation["jkt"].(string)
	if !ok || jkt == "" {
		return "", fmt.Errorf("%w: cnf claim missing jkt", ErrInvalidToken)
	}
	return jkt, nil
}

// SignDownstreamJWT issues a DPoP-bound access token for a downstream client.
func SignDownstreamJWT(key *ecdsa.PrivateKey, issuer, subject, scope, dpopJKT string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := &DownstreamClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
		Scope:        scope,
		Confirmation: map[string]interface{}{"jkt": dpopJKT},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign downstream JWT: %w", err)
	}
	return signed, nil
}

// ValidateDownstreamJWT verifies a proxy-issued access token: ES256 only,
// signature against the proxy key, matching issuer, not expired.
func ValidateDownstreamJWT(tokenString string, key *ecdsa.PublicKey, issuer string) (*DownstreamClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DownstreamClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*DownstreamClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: signature invalid", ErrInvalidToken)
	}

	if claims.Issuer != issuer {
		return nil, fmt.Errorf("%w: wrong issuer %q", ErrInvalidToken, claims.Issuer)
	}
	if !strings.HasPrefix(claims.Subject, "did:") {
		return nil, fmt.Errorf("%w: sub is not a DID", ErrInvalidToken)
	}

	return claims, nil
}
