package keystore

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_GeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")

	ks := Load(path)
	if !ks.Available() {
		t.Fatal("expected a freshly generated key to be available")
	}
	if ks.PublicKey() == nil {
		t.Fatal("expected a public key")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected keystore file to be written: %v", err)
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")

	first := Load(path)
	pub1 := first.PublicKey()

	second := Load(path)
	if !second.Available() {
		t.Fatal("expected reloaded keystore to have a usable key")
	}
	if string(second.PublicKey()) != string(pub1) {
		t.Error("expected reloading the same file to recover the same key pair")
	}
}

func TestLoad_CorruptFileRegenerates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	ks := Load(path)
	if !ks.Available() {
		t.Fatal("expected silent regeneration on a corrupt file, not failure")
	}
}

func TestSign_VerifiesAgainstPublicKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	ks := Load(path)

	sig := ks.Sign("deadbeef")
	if sig == "" {
		t.Fatal("expected a non-empty signature when a key is available")
	}

	raw, err := hex.DecodeString(sig)
	if err != nil {
		t.Fatalf("decode hex signature: %v", err)
	}
	if !ed25519.Verify(ks.PublicKey(), []byte("deadbeef"), raw) {
		t.Error("signature did not verify against the reported public key")
	}
}

func TestSign_EmptyWithoutKey(t *testing.T) {
	ks := &Keystore{}
	if sig := ks.Sign("anything"); sig != "" {
		t.Errorf("expected empty signature with no key loaded, got %q", sig)
	}
	if ks.Available() {
		t.Error("expected Available() false with no key loaded")
	}
}
