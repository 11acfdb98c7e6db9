package signing_test

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"strings"
	"testing"
	"time"

	"folio/internal/signing"
)

func testKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return key, string(pemData)
}

func TestSignProducesVerifiableSignature(t *testing.T) {
	key, pemData := testKey(t)
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	signer, err := signing.New(pemData, "adp-token-value", signing.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, "https://api.audible.com/1.0/library?page=1&num_results=50", nil)
	if err := signer.Sign(req, nil); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if got := req.Header.Get("x-adp-token"); got != "adp-token-value" {
		t.Fatalf("token header: %q", got)
	}
	if got := req.Header.Get("x-adp-alg"); got != "SHA256withRSA:1.0" {
		t.Fatalf("alg header: %q", got)
	}

	sigHeader := req.Header.Get("x-adp-signature")
	// Split on the first colon: base64 never contains one, the timestamp
	// after it does.
	idx := strings.Index(sigHeader, ":")
	if idx < 0 {
		t.Fatalf("signature header missing timestamp separator: %q", sigHeader)
	}
	sigB64, timestamp := sigHeader[:idx], sigHeader[idx+1:]
	if timestamp != "2026-03-14T09:26:53Z" {
		t.Fatalf("timestamp: %q", timestamp)
	}

	signature, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}

	signed := strings.Join([]string{
		"GET",
		"/1.0/library?page=1&num_results=50",
		timestamp,
		"",
		"adp-token-value",
	}, "\n")
	digest := sha256.Sum256([]byte(signed))
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], signature); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

func TestSignIncludesBody(t *testing.T) {
	key, pemData := testKey(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	signer, err := signing.New(pemData, "token", signing.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	body := []byte(`{"deregister_all_existing_accounts":false}`)
	req, _ := http.NewRequest(http.MethodPost, "https://api.amazon.com/auth/deregister", nil)
	if err := signer.Sign(req, body); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	sigHeader := req.Header.Get("x-adp-signature")
	sigB64 := sigHeader[:strings.Index(sigHeader, ":")]
	signature, _ := base64.StdEncoding.DecodeString(sigB64)

	signed := "POST\n/auth/deregister\n2026-01-02T03:04:05Z\n" + string(body) + "\ntoken"
	digest := sha256.Sum256([]byte(signed))
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], signature); err != nil {
		t.Fatalf("body not part of signed data: %v", err)
	}
}

func TestNewRejectsGarbageKey(t *testing.T) {
	if _, err := signing.New("not a key", "token"); err == nil {
		t.Fatal("expected error for malformed key")
	}
	_, pemData := testKey(t)
	if _, err := signing.New(pemData, ""); err == nil {
		t.Fatal("expected error for empty adp token")
	}
}
