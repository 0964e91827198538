package keys

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zalando/go-keyring"

	"wgtunnel/internal/core"
)

type memStore struct {
	blob    []byte
	loadErr error
	saveErr error
	saves   int
}

func (s *memStore) Load() ([]byte, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.blob == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), s.blob...), nil
}

func (s *memStore) Save(b []byte) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.blob = append([]byte(nil), b...)
	return nil
}

// xorProtector stands in for DPAPI; a wrong pad fails like a foreign principal.
type xorProtector struct{ pad byte }

func (p xorProtector) Protect(b []byte) ([]byte, error) {
	out := make([]byte, len(b)+1)
	out[0] = p.pad
	for i, c := range b {
		out[i+1] = c ^ p.pad
	}
	return out, nil
}

func (p xorProtector) Unprotect(b []byte) ([]byte, error) {
	if len(b) == 0 || b[0] != p.pad {
		return nil, errors.New("decryption failed")
	}
	out := make([]byte, len(b)-1)
	for i, c := range b[1:] {
		out[i] = c ^ p.pad
	}
	return out, nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestGenerateClampsAndDerives(t *testing.T) {
	m := NewManager(&memStore{})
	pair, err := m.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if pair.Private[0]&7 != 0 || pair.Private[31]&128 != 0 || pair.Private[31]&64 == 0 {
		t.Errorf("private key not clamped: %x", pair.Private)
	}
	if pair.Public != pair.Private.PublicKey() {
		t.Error("public key does not match private key")
	}
}

func TestGenerateEntropyFailure(t *testing.T) {
	m := NewManager(&memStore{})
	m.rand = failingReader{}
	_, err := m.Generate()
	var kse *core.KeyStoreError
	if !errors.As(err, &kse) || kse.Op != "generate" {
		t.Fatalf("expected generate KeyStoreError, got %v", err)
	}
}

func TestLoadOrGenerate(t *testing.T) {
	store := &memStore{}
	m := NewManager(store)

	first, err := m.LoadOrGenerate()
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.LoadOrGenerate()
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("second call generated a new key pair")
	}
	if store.saves != 1 {
		t.Errorf("saves = %d, want 1", store.saves)
	}
}

func TestLoadOrGenerateDoesNotReplaceCorrupt(t *testing.T) {
	store := &memStore{blob: bytes.Repeat([]byte{1}, 64)}
	m := NewManager(store)
	_, err := m.LoadOrGenerate()
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("got %v, want ErrCorrupt", err)
	}
	if store.saves != 0 {
		t.Error("corrupt key pair overwritten")
	}
}

func TestLoadCorruptLength(t *testing.T) {
	m := NewManager(&memStore{blob: []byte{1, 2, 3}})
	if _, err := m.Load(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("got %v, want ErrCorrupt", err)
	}
}

func TestRegenerateReplaces(t *testing.T) {
	m := NewManager(&memStore{})
	old, err := m.LoadOrGenerate()
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := m.Regenerate()
	if err != nil {
		t.Fatal(err)
	}
	if fresh == old {
		t.Error("Regenerate returned the old pair")
	}
	loaded, err := m.Load()
	if err != nil || loaded != fresh {
		t.Errorf("stored pair = %v, %v", loaded.Public, err)
	}
}

func TestSaveFailure(t *testing.T) {
	m := NewManager(&memStore{saveErr: errors.New("disk full")})
	_, err := m.Regenerate()
	var kse *core.KeyStoreError
	if !errors.As(err, &kse) || kse.Op != "save" {
		t.Fatalf("got %v", err)
	}
}

func TestImport(t *testing.T) {
	m := NewManager(&memStore{})
	pair, err := m.Import("YWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWE=")
	if err != nil {
		t.Fatal(err)
	}
	if pair.Public != pair.Private.PublicKey() {
		t.Error("imported pair inconsistent")
	}
	if _, err := m.Import("short"); err == nil {
		t.Error("invalid key accepted")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "device.key")
	m := NewManager(&FileStore{Path: path, Protector: xorProtector{pad: 0x5a}})

	if _, err := m.Load(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store: got %v, want ErrNotFound", err)
	}
	pair, err := m.LoadOrGenerate()
	if err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, pair.Private[:]) {
		t.Error("private key stored in the clear")
	}
	got, err := m.Load()
	if err != nil || got != pair {
		t.Fatalf("reload = %v, %v", got.Public, err)
	}

	other := NewManager(&FileStore{Path: path, Protector: xorProtector{pad: 0x33}})
	if _, err := other.Load(); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("foreign principal: got %v, want ErrAccessDenied", err)
	}
}

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()
	m := NewManager(NewKeyringStore())

	if _, err := m.Load(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	pair, err := m.LoadOrGenerate()
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.Load()
	if err != nil || got != pair {
		t.Fatalf("reload = %v, %v", got.Public, err)
	}

	keyring.MockInitWithError(errors.New("locked"))
	if _, err := m.Load(); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("got %v, want ErrAccessDenied", err)
	}
}
