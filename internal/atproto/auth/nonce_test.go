package auth

import (
	"testing"
	"time"
)

func TestNonceGenerateVerify(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	gen := NewNonceGenerator(secret, NonceConfig{BindJKT: true, BindHTU: true, BindClientID: true})

	bind := NonceBinding{
		JKT:      "jkt-1",
		HTU:      "https://proxy.example/oauth/par",
		HTM:      "POST",
		ClientID: "https://client.example/metadata.json",
	}

	nonce := gen.Generate(bind)
	if nonce == "" {
		t.Fatal("Generated empty nonce")
	}
	if !gen.Verify(nonce, bind) {
		t.Fatal("Freshly generated nonce failed verification")
	}
}

func TestNonceBindingMismatch(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	gen := NewNonceGenerator(secret, NonceConfig{BindJKT: true, BindHTU: true, BindClientID: true})

	bind := NonceBinding{JKT: "jkt-1", HTU: "https://proxy.example/oauth/par", HTM: "POST", ClientID: "client-a"}
	nonce := gen.Generate(bind)

	cases := map[string]NonceBinding{
		"different jkt":    {JKT: "jkt-2", HTU: bind.HTU, HTM: bind.HTM, ClientID: bind.ClientID},
		"different htu":    {JKT: bind.JKT, HTU: "https://proxy.example/oauth/token", HTM: bind.HTM, ClientID: bind.ClientID},
		"different method": {JKT: bind.JKT, HTU: bind.HTU, HTM: "GET", ClientID: bind.ClientID},
		"different client": {JKT: bind.JKT, HTU: bind.HTU, HTM: bind.HTM, ClientID: "client-b"},
	}
	for name, other := range cases {
		if gen.Verify(nonce, other) {
			t.Errorf("Nonce verified with %s", name)
		}
	}
}

func TestNonceHTUNormalizationInBinding(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	gen := NewNonceGenerator(secret, NonceConfig{BindHTU: true})

	nonce := gen.Generate(NonceBinding{HTU: "https://proxy.example:443/oauth/par/", HTM: "POST"})
	if !gen.Verify(nonce, NonceBinding{HTU: "https://proxy.example/oauth/par", HTM: "post"}) {
		t.Error("Expected normalized htu/htm binding to verify")
	}
}

func TestNonceExpiry(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	gen := NewNonceGenerator(secret, NonceConfig{MaxAge: time.Second, BindJKT: true})
	bind := NonceBinding{JKT: "jkt-1"}

	nonce := gen.generateAt(time.Now().Add(-2*time.Second), bind)
	if gen.Verify(nonce, bind) {
		t.Error("Expected expired nonce to fail verification")
	}
}

func TestNonceGarbage(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	gen := NewNonceGenerator(secret, NonceConfig{})

	for _, nonce := range []string{"", "not-base64!!", "YWJj"} {
		if gen.Verify(nonce, NonceBinding{}) {
			t.Errorf("Garbage nonce %q verified", nonce)
		}
	}
}

func TestNonceDifferentSecret(t *testing.T) {
	gen1 := NewNonceGenerator([]byte("0123456789abcdef0123456789abcdef"), NonceConfig{BindJKT: true})
	gen2 := NewNonceGenerator([]byte("fedcba9876543210fedcba9876543210"), NonceConfig{BindJKT: true})
	bind := NonceBinding{JKT: "jkt-1"}

	if gen2.Verify(gen1.Generate(bind), bind) {
		t.Error("Nonce verified under a different secret")
	}
}
