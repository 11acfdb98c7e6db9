package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	// Algorithm is the value the vendor expects in the x-adp-alg header.
	Algorithm = "SHA256withRSA:1.0"

	headerToken     = "x-adp-token"
	headerAlgorithm = "x-adp-alg"
	headerSignature = "x-adp-signature"

	timestampLayout = "2006-01-02T15:04:05Z"
)

// Signer computes the per-request signature headers for the vendor API. It
// is stateless apart from the device key, the ADP token, and the clock.
type Signer struct {
	key      *rsa.PrivateKey
	adpToken string
	now      func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock overrides the wall clock (used in tests).
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// New parses the PEM-encoded device private key and builds a Signer.
func New(privateKeyPEM, adpToken string, opts ...Option) (*Signer, error) {
	if adpToken == "" {
		return nil, errors.New("adp token required")
	}
	key, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	signer := &Signer{key: key, adpToken: adpToken, now: time.Now}
	for _, opt := range opts {
		opt(signer)
	}
	return signer, nil
}

// Sign adds the three signature headers to the request. The path must
// include the query string; body may be nil for GET requests. Field order in
// the signed string is fixed; the server rejects any permutation.
func (s *Signer) Sign(req *http.Request, body []byte) error {
	pathWithQuery := req.URL.RequestURI()
	timestamp := s.now().UTC().Format(timestampLayout)

	data := req.Method + "\n" + pathWithQuery + "\n" + timestamp + "\n" + string(body) + "\n" + s.adpToken
	digest := sha256.Sum256([]byte(data))

	signature, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	req.Header.Set(headerToken, s.adpToken)
	req.Header.Set(headerAlgorithm, Algorithm)
	req.Header.Set(headerSignature, base64.StdEncoding.EncodeToString(signature)+":"+timestamp)
	return nil
}

func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("device key: no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("device key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("device key: unsupported key type %T", parsed)
	}
	return key, nil
}
