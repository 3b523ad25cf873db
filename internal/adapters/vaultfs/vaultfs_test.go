package vaultfs

import (
	"path/filepath"
	"strings"
	"testing"

	"evidence-vault/internal/platform/aead"
)

func testEnvelope(t *testing.T, plaintext []byte) *aead.Envelope {
	t.Helper()
	key, err := aead.DeriveKey("vaultfs-test-secret")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	env, err := aead.Seal(plaintext, key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return env
}

func TestNewStore_RequiresRoot(t *testing.T) {
	if _, err := NewStore("  "); err == nil {
		t.Fatalf("blank root must fail")
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	env := testEnvelope(t, []byte("sealed bytes"))

	locator, err := s.Save("evi_rt", env)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.HasSuffix(locator, ".env.json") {
		t.Fatalf("unexpected locator %q", locator)
	}
	// 定位符对上层不透明，但不允许携带目录成分。
	if locator != filepath.Base(locator) {
		t.Fatalf("locator must be a bare file name, got %q", locator)
	}

	loaded, err := s.Load(locator)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.IV != env.IV || loaded.AuthTag != env.AuthTag || loaded.Ciphertext != env.Ciphertext {
		t.Fatalf("loaded envelope differs from saved one")
	}
}

func TestLoad_MissingLocator(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := s.Load("evi_absent.env.json"); err == nil {
		t.Fatalf("missing envelope must fail")
	}
}

func TestPath_StripsTraversal(t *testing.T) {
	root := t.TempDir()
	s, err := NewStore(root)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	got := s.Path("../../etc/passwd")
	if got != filepath.Join(root, "passwd") {
		t.Fatalf("path escaped the root: %q", got)
	}
}
