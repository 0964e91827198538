// Package keys owns the device's Curve25519 key pair: generation, loading
// and persistence through a protected blob store.
package keys

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgtunnel/internal/core"
)

var (
	// ErrNotFound means no key pair has been stored yet.
	ErrNotFound = errors.New("key pair not found")
	// ErrCorrupt means the stored blob is not a consistent key pair.
	ErrCorrupt = errors.New("stored key pair is corrupt")
	// ErrAccessDenied means the store refused to decrypt for this principal.
	ErrAccessDenied = errors.New("key store access denied")
)

// blobLen is private key followed by public key.
const blobLen = 2 * wgtypes.KeyLen

// KeyPair is the device's static WireGuard identity.
type KeyPair struct {
	Private wgtypes.Key
	Public  wgtypes.Key
}

// BlobStore persists one opaque blob. Load returns ErrNotFound when
// nothing is stored. Protection of the bytes at rest is the store's job.
type BlobStore interface {
	Load() ([]byte, error)
	Save(blob []byte) error
}

// Manager generates, loads and saves the device key pair.
type Manager struct {
	store BlobStore
	rand  io.Reader

	mu sync.Mutex // serializes writes
}

// NewManager returns a key manager persisting through store.
func NewManager(store BlobStore) *Manager {
	return &Manager{store: store, rand: rand.Reader}
}

// Generate creates a fresh key pair with a clamped private scalar.
// An entropy failure is returned as is and never retried.
func (m *Manager) Generate() (KeyPair, error) {
	var priv wgtypes.Key
	if _, err := io.ReadFull(m.rand, priv[:]); err != nil {
		return KeyPair{}, &core.KeyStoreError{Op: "generate", Err: err}
	}
	priv[0] &= 248
	priv[31] = (priv[31] & 127) | 64
	return KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// Load reads the stored key pair and checks that the public half matches
// the private half.
func (m *Manager) Load() (KeyPair, error) {
	blob, err := m.store.Load()
	if err != nil {
		return KeyPair{}, &core.KeyStoreError{Op: "load", Err: err}
	}
	return decode(blob)
}

// Save persists pair, replacing any previous one atomically.
func (m *Manager) Save(pair KeyPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.save(pair)
}

func (m *Manager) save(pair KeyPair) error {
	if err := m.store.Save(encode(pair)); err != nil {
		return &core.KeyStoreError{Op: "save", Err: err}
	}
	return nil
}

// LoadOrGenerate returns the stored pair, generating and saving a new one
// when none exists yet. Corrupt or unreadable stores are reported, never
// silently replaced.
func (m *Manager) LoadOrGenerate() (KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair, err := m.Load()
	if err == nil {
		return pair, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return KeyPair{}, err
	}
	pair, err = m.Generate()
	if err != nil {
		return KeyPair{}, err
	}
	if err := m.save(pair); err != nil {
		return KeyPair{}, err
	}
	core.Log.Infof("Keys", "Generated device key pair, public key %s", pair.Public)
	return pair, nil
}

// Regenerate replaces the stored pair with a fresh one.
func (m *Manager) Regenerate() (KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair, err := m.Generate()
	if err != nil {
		return KeyPair{}, err
	}
	if err := m.save(pair); err != nil {
		return KeyPair{}, err
	}
	core.Log.Infof("Keys", "Regenerated device key pair, public key %s", pair.Public)
	return pair, nil
}

// Import stores the given base64 private key as the device key pair.
func (m *Manager) Import(privateKey string) (KeyPair, error) {
	priv, err := wgtypes.ParseKey(privateKey)
	if err != nil {
		return KeyPair{}, &core.ValidationError{Field: "private_key", Reason: "not a 32-byte base64 key"}
	}
	pair := KeyPair{Private: priv, Public: priv.PublicKey()}
	if err := m.Save(pair); err != nil {
		return KeyPair{}, err
	}
	core.Log.Infof("Keys", "Imported device key pair, public key %s", pair.Public)
	return pair, nil
}

func encode(pair KeyPair) []byte {
	blob := make([]byte, 0, blobLen)
	blob = append(blob, pair.Private[:]...)
	return append(blob, pair.Public[:]...)
}

func decode(blob []byte) (KeyPair, error) {
	if len(blob) != blobLen {
		return KeyPair{}, &core.KeyStoreError{Op: "load", Err: fmt.Errorf("%w: blob is %d bytes", ErrCorrupt, len(blob))}
	}
	var pair KeyPair
	copy(pair.Private[:], blob[:wgtypes.KeyLen])
	copy(pair.Public[:], blob[wgtypes.KeyLen:])

	derived, err := curve25519.X25519(pair.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, &core.KeyStoreError{Op: "load", Err: fmt.Errorf("%w: %v", ErrCorrupt, err)}
	}
	if subtle.ConstantTimeCompare(derived, pair.Public[:]) != 1 {
		return KeyPair{}, &core.KeyStoreError{Op: "load", Err: fmt.Errorf("%w: public key mismatch", ErrCorrupt)}
	}
	return pair, nil
}
