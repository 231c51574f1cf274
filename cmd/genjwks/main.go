package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// genjwks generates the proxy's operator secrets: an ES256 signing keypair
// and a DPoP nonce HMAC secret.
//
// Usage:
//   go run cmd/genjwks/main.go
//
// The private JWK can seed the proxy_keys table for deployments that
// provision keys out of band; the nonce secret goes in
// OATPROXY_DPOP_NONCE_SECRET.
func main() {
	fmt.Println("Generating ES256 signing keypair...")

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		log.Fatalf("Failed to generate private key: %v", err)
	}

	jwkKey, err := jwk.FromRaw(privateKey)
	if err != nil {
		log.Fatalf("Failed to create JWK from private key: %v", err)
	}
	if err := jwkKey.Set(jwk.KeyIDKey, "proxy-signing-key"); err != nil {
		log.Fatalf("Failed to set kid: %v", err)
	}
	if err := jwkKey.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		log.Fatalf("Failed to set alg: %v", err)
	}
	if err := jwkKey.Set(jwk.KeyUsageKey, "sig"); err != nil {
		log.Fatalf("Failed to set use: %v", err)
	}

	privateJSON, err := json.MarshalIndent(jwkKey, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal private key: %v", err)
	}

	publicKey, err := jwkKey.PublicKey()
	if err != nil {
		log.Fatalf("Failed to derive public key: %v", err)
	}
	publicJSON, err := json.MarshalIndent(publicKey, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal public key: %v", err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		log.Fatalf("Failed to generate nonce secret: %v", err)
	}

	fmt.Println("\nPrivate JWK (keep secret):")
	fmt.Println(string(privateJSON))
	fmt.Println("\nPublic JWK (served at /oauth/jwks.json):")
	fmt.Println(string(publicJSON))
	fmt.Println("\nOATPROXY_DPOP_NONCE_SECRET:")
	fmt.Println(base64.StdEncoding.EncodeToString(secret))
}
