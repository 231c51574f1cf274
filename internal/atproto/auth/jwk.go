package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

// JWK errors per RFC 7638 thumbprint computation.
var (
	ErrMalformedJWK   = errors.New("malformed JWK")
	ErrMissingMember  = errors.New("JWK missing required member")
	ErrUnsupportedKey = errors.New("unsupported JWK key type")
)

// CalculateJWKThumbprint calculates the JWK thumbprint per RFC 7638:
// the base64url-encoded SHA-256 hash of the canonical JWK representation.
// Only the required members of each key type are included, in lexicographic
// order (Go's json.Marshal orders map[string]string keys lexicographically).
func CalculateJWKThumbprint(jwk map[string]interface{}) (string, error) {
	kty, ok := jwk["kty"].(string)
	if !ok {
		return "", fmt.Errorf("%w: kty", ErrMissingMember)
	}

	var canonical map[string]string

	switch kty {
	case "EC":
		crv, ok := jwk["crv"].(string)
		if !ok {
			return "", fmt.Errorf("%w: crv", ErrMissingMember)
		}
		x, ok := jwk["x"].(string)
		if !ok {
			return "", fmt.Errorf("%w: x", ErrMissingMember)
		}
		y, ok := jwk["y"].(string)
		if !ok {
			return "", fmt.Errorf("%w: y", ErrMissingMember)
		}
		canonical = map[string]string{"crv": crv, "kty": kty, "x": x, "y": y}
	case "RSA":
		e, ok := jwk["e"].(string)
		if !ok {
			return "", fmt.Errorf("%w: e", ErrMissingMember)
		}
		n, ok := jwk["n"].(string)
		if !ok {
			return "", fmt.Errorf("%w: n", ErrMissingMember)
		}
		canonical = map[string]string{"e": e, "kty": kty, "n": n}
	case "OKP":
		crv, ok := jwk["crv"].(string)
		if !ok {
			return "", fmt.Errorf("%w: crv", ErrMissingMember)
		}
		x, ok := jwk["x"].(string)
		if !ok {
			return "", fmt.Errorf("%w: x", ErrMissingMember)
		}
		canonical = map[string]string{"crv": crv, "kty": kty, "x": x}
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedKey, kty)
	}

	canonicalJSON, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to serialize canonical JWK: %w", err)
	}

	hash := sha256.Sum256(canonicalJSON)
	return base64.RawURLEncoding.EncodeToString(hash[:]), nil
}

// CalculateJWKThumbprintFromJSON computes the RFC 7638 thumbprint of a JWK
// given as JSON bytes.
func CalculateJWKThumbprintFromJSON(data []byte) (string, error) {
	var jwk map[string]interface{}
	if err := json.Unmarshal(data, &jwk); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedJWK, err)
	}
	return CalculateJWKThumbprint(jwk)
}

// PublicProjection returns a copy of the JWK with private material removed:
// "d" for EC and OKP keys, the full private parameter set for RSA.
func PublicProjection(jwk map[string]interface{}) (map[string]interface{}, error) {
	kty, ok := jwk["kty"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: kty", ErrMissingMember)
	}

	out := make(map[string]interface{}, len(jwk))
	for k, v := range jwk {
		out[k] = v
	}

	switch kty {
	case "EC", "OKP":
		delete(out, "d")
	case "RSA":
		for _, member := range []string{"d", "p", "q", "dp", "dq", "qi", "oth"} {
			delete(out, member)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKey, kty)
	}

	return out, nil
}

// ParseECPublicJWK parses an EC public JWK into an ecdsa.PublicKey. DPoP
// proofs in this deployment are ES256 over P-256, but P-384/P-521 decode as
// well for completeness.
func ParseECPublicJWK(jwk map[string]interface{}) (*ecdsa.PublicKey, error) {
	kty, _ := jwk["kty"].(string)
	if kty != "EC" {
		return nil, fmt.Errorf("%w: %s (expected EC)", ErrUnsupportedKey, kty)
	}

	crv, _ := jwk["crv"].(string)
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("%w: unsupported curve %s", ErrMalformedJWK, crv)
	}

	xStr, ok := jwk["x"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: x", ErrMissingMember)
	}
	yStr, ok := jwk["y"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: y", ErrMissingMember)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(xStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid x coordinate: %v", ErrMalformedJWK, err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(yStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid y coordinate: %v", ErrMalformedJWK, err)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
