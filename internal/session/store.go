package session

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrMissing indicates no session record exists; the user must sign in.
var ErrMissing = errors.New("no session record; sign in first")

// Store persists the session record.
type Store interface {
	Load() (*Record, error)
	Save(*Record) error
	Delete() error
}

const sealKeyName = "session"

// EncryptedFileStore seals the serialized record with an AEAD whose key
// lives in the vault. Layout on disk: nonce || ciphertext.
type EncryptedFileStore struct {
	path  string
	vault Vault
}

// NewEncryptedFileStore builds a store writing to path with keys from vault.
func NewEncryptedFileStore(path string, vault Vault) *EncryptedFileStore {
	return &EncryptedFileStore{path: path, vault: vault}
}

func (s *EncryptedFileStore) key(create bool) ([]byte, error) {
	key, ok, err := s.vault.Get(sealKeyName)
	if err != nil {
		return nil, err
	}
	if ok {
		return key, nil
	}
	if !create {
		return nil, ErrMissing
	}
	key, err = NewKey()
	if err != nil {
		return nil, err
	}
	if err := s.vault.Set(sealKeyName, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Load reads and unseals the record. A missing file maps to ErrMissing.
func (s *EncryptedFileStore) Load() (*Record, error) {
	sealed, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}

	key, err := s.key(false)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("session file truncated (%d bytes)", len(sealed))
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unseal session file: %w", err)
	}

	var record Record
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}
	return &record, nil
}

// Save seals and writes the record atomically (temp file + rename) so a
// crash mid-write never leaves a corrupt session on disk.
func (s *EncryptedFileStore) Save(record *Record) error {
	if record == nil {
		return errors.New("session record is nil")
	}
	plaintext, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}

	key, err := s.key(true)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := append(nonce, aead.Seal(nil, nonce, plaintext, nil)...)

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

// Delete removes the session file. Used only by explicit logout.
func (s *EncryptedFileStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}
