package oauth

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

// TestCreateDPoPProof checks DPoP proof structure per RFC 9449.
func TestCreateDPoPProof(t *testing.T) {
	dpopKey, err := GenerateDPoPKey()
	if err != nil {
		t.Fatalf("Failed to generate DPoP key: %v", err)
	}

	proof, err := CreateDPoPProof(dpopKey, "POST", "https://example.com/token", "", "")
	if err != nil {
		t.Fatalf("Failed to create DPoP proof: %v", err)
	}

	parts := strings.Split(proof, ".")
	if len(parts) != 3 {
		t.Fatalf("Expected 3 parts in JWT, got %d", len(parts))
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		t.Fatalf("Failed to decode header: %v", err)
	}
	var header map[string]interface{}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		t.Fatalf("Failed to unmarshal header: %v", err)
	}

	if header["alg"] != "ES256" {
		t.Errorf("Expected alg=ES256, got %v", header["alg"])
	}
	if header["typ"] != "dpop+jwt" {
		t.Errorf("Expected typ=dpop+jwt, got %v", header["typ"])
	}

	jwkMap, ok := header["jwk"].(map[string]interface{})
	if !ok {
		t.Fatalf("JWK is not a JSON object: %T", header["jwk"])
	}
	if jwkMap["kty"] != "EC" || jwkMap["crv"] != "P-256" {
		t.Errorf("Unexpected key in header: %v", jwkMap)
	}
	if _, hasPrivate := jwkMap["d"]; hasPrivate {
		t.Error("DPoP header leaked private key material")
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		t.Fatalf("Failed to unmarshal payload: %v", err)
	}

	if payload["htm"] != "POST" {
		t.Errorf("Expected htm=POST, got %v", payload["htm"])
	}
	if payload["htu"] != "https://example.com/token" {
		t.Errorf("Expected htu to match, got %v", payload["htu"])
	}
	if payload["jti"] == nil || payload["iat"] == nil {
		t.Error("Payload missing jti or iat")
	}
	if _, hasNonce := payload["nonce"]; hasNonce {
		t.Error("Payload has nonce despite none given")
	}
	if _, hasAth := payload["ath"]; hasAth {
		t.Error("Payload has ath despite no access token")
	}
}

func TestCreateDPoPProofWithNonceAndAth(t *testing.T) {
	dpopKey, err := GenerateDPoPKey()
	if err != nil {
		t.Fatalf("Failed to generate DPoP key: %v", err)
	}

	proof, err := CreateDPoPProof(dpopKey, "GET", "https://pds.example/xrpc/app.foo.getThing", "server-nonce", "the-access-token")
	if err != nil {
		t.Fatalf("Failed to create DPoP proof: %v", err)
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(strings.Split(proof, ".")[1])
	if err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		t.Fatalf("Failed to unmarshal payload: %v", err)
	}

	if payload["nonce"] != "server-nonce" {
		t.Errorf("Expected nonce claim, got %v", payload["nonce"])
	}
	if payload["ath"] == nil {
		t.Error("Expected ath claim for token-bound proof")
	}
}

func TestGenerateToken(t *testing.T) {
	token := GenerateToken(64)
	if len(token) != 64 {
		t.Fatalf("Expected 64 chars, got %d", len(token))
	}
	if token == GenerateToken(64) {
		t.Error("Two generated tokens are identical")
	}
}

func TestSigningKeyJWKS(t *testing.T) {
	key, err := GenerateDPoPKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	set, err := SigningKeyJWKS(key)
	if err != nil {
		t.Fatalf("SigningKeyJWKS failed: %v", err)
	}

	setJSON, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("Failed to marshal set: %v", err)
	}
	var jwks struct {
		Keys []map[string]interface{} `json:"keys"`
	}
	if err := json.Unmarshal(setJSON, &jwks); err != nil {
		t.Fatalf("Failed to parse set: %v", err)
	}
	if len(jwks.Keys) != 1 {
		t.Fatalf("Expected 1 key, got %d", len(jwks.Keys))
	}
	if jwks.Keys[0]["kid"] != SigningKeyID {
		t.Errorf("Expected kid %s, got %v", SigningKeyID, jwks.Keys[0]["kid"])
	}
	if _, hasPrivate := jwks.Keys[0]["d"]; hasPrivate {
		t.Error("JWKS leaked private key material")
	}
}
