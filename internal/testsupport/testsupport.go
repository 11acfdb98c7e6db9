// Package testsupport holds shared fixtures for package tests: an
// in-memory session store and builders for valid session records.
package testsupport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"

	"folio/internal/session"
)

// MemStore is an in-memory session.Store.
type MemStore struct {
	mu     sync.Mutex
	record *session.Record

	// Saves counts Save calls, for asserting persistence happened.
	Saves int
}

// NewMemStore returns a store pre-seeded with record. A nil record makes
// Load report session.ErrMissing.
func NewMemStore(record *session.Record) *MemStore {
	store := &MemStore{}
	if record != nil {
		cp := *record
		store.record = &cp
	}
	return store
}

func (s *MemStore) Load() (*session.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return nil, session.ErrMissing
	}
	cp := *s.record
	return &cp, nil
}

func (s *MemStore) Save(record *session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.record = &cp
	s.Saves++
	return nil
}

func (s *MemStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = nil
	return nil
}

// Record returns a copy of the stored record, or nil.
func (s *MemStore) Record() *session.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return nil
	}
	cp := *s.record
	return &cp
}

// DeviceKeyPEM generates a throwaway RSA device key in PKCS#1 PEM form.
func DeviceKeyPEM(tb testing.TB) string {
	tb.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		tb.Fatalf("generate key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

// ValidRecord builds a session record that passes expiry checks and can
// sign requests.
func ValidRecord(tb testing.TB) *session.Record {
	tb.Helper()
	return &session.Record{
		LocaleCode:       "us",
		AccessToken:      "access",
		RefreshToken:     "refresh",
		ExpiresAt:        1 << 40,
		ADPToken:         "adp-token",
		DevicePrivateKey: DeviceKeyPEM(tb),
	}
}
