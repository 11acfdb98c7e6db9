package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Vault is the credential store holding the key that seals the session file.
// Implementations may back onto an OS keychain; the default keeps a
// mode-0600 key file next to the session.
type Vault interface {
	Get(name string) ([]byte, bool, error)
	Set(name string, secret []byte) error
}

// FileVault stores named secrets as base64 lines in per-name files under a
// directory only the owner can read.
type FileVault struct {
	dir string
}

// NewFileVault constructs a vault rooted at dir.
func NewFileVault(dir string) *FileVault {
	return &FileVault{dir: dir}
}

func (v *FileVault) path(name string) string {
	return filepath.Join(v.dir, name+".key")
}

// Get returns the named secret, reporting absence without error.
func (v *FileVault) Get(name string) ([]byte, bool, error) {
	data, err := os.ReadFile(v.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read vault secret %q: %w", name, err)
	}
	secret, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, false, fmt.Errorf("decode vault secret %q: %w", name, err)
	}
	return secret, true, nil
}

// Set stores the named secret, creating the vault directory on first use.
func (v *FileVault) Set(name string, secret []byte) error {
	if err := os.MkdirAll(v.dir, 0o700); err != nil {
		return fmt.Errorf("create vault directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(secret) + "\n"
	if err := os.WriteFile(v.path(name), []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("write vault secret %q: %w", name, err)
	}
	return nil
}

// NewKey generates a fresh 256-bit sealing key.
func NewKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate vault key: %w", err)
	}
	return key, nil
}
