package keys

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"

	"wgtunnel/internal/core"
)

// Protector encrypts blobs so only the current principal can read them.
type Protector interface {
	Protect(plain []byte) ([]byte, error)
	Unprotect(sealed []byte) ([]byte, error)
}

// FileStore keeps the blob in a single file, sealed by a Protector.
type FileStore struct {
	Path      string
	Protector Protector
}

// Load reads and unseals the file.
func (s *FileStore) Load() ([]byte, error) {
	sealed, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	plain, err := s.Protector.Unprotect(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	return plain, nil
}

// Save seals blob and replaces the file atomically.
func (s *FileStore) Save(blob []byte) error {
	sealed, err := s.Protector.Protect(blob)
	if err != nil {
		return fmt.Errorf("protect: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0700); err != nil {
		return err
	}
	return core.WriteFileAtomic(s.Path, sealed, 0600)
}

// KeyringService is the service name used in the OS credential store.
const KeyringService = "wgtunnel"

// KeyringStore keeps the blob base64-encoded in the OS credential store
// (Credential Manager on Windows).
type KeyringStore struct {
	Service string
	User    string
}

// NewKeyringStore returns a store for the device key under KeyringService.
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{Service: KeyringService, User: "device-key"}
}

// Load fetches the blob.
func (s *KeyringStore) Load() ([]byte, error) {
	enc, err := keyring.Get(s.Service, s.User)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	blob, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return blob, nil
}

// Save writes the blob in a single keyring call.
func (s *KeyringStore) Save(blob []byte) error {
	return keyring.Set(s.Service, s.User, base64.StdEncoding.EncodeToString(blob))
}
