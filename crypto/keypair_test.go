package crypto

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestEd25519KeyPairSaveLoadIsStable(t *testing.T) {
	tempDir := t.TempDir()
	privatePath := filepath.Join(tempDir, "ed25519_private.pem")
	publicPath := filepath.Join(tempDir, "ed25519_public.pem")

	privateKey, publicKey, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair failed: %v", err)
	}
	if err := SaveEd25519KeyPair(privatePath, publicPath, privateKey); err != nil {
		t.Fatalf("SaveEd25519KeyPair failed: %v", err)
	}

	loadedPrivate, loadedPublic, err := LoadEd25519KeyPair(privatePath, publicPath)
	if err != nil {
		t.Fatalf("LoadEd25519KeyPair failed: %v", err)
	}
	if !bytes.Equal(privateKey, loadedPrivate) || !bytes.Equal(publicKey, loadedPublic) {
		t.Fatalf("expected loaded keypair to match saved keypair")
	}
}

func TestLoadEd25519KeyPairMissingFileIsNotExist(t *testing.T) {
	tempDir := t.TempDir()
	_, _, err := LoadEd25519KeyPair(filepath.Join(tempDir, "missing.pem"), filepath.Join(tempDir, "missing.pub"))
	if !IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestX25519KeyPairRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x25519_private.pem")
	pair, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair failed: %v", err)
	}
	if err := SaveX25519KeyPair(path, pair); err != nil {
		t.Fatalf("SaveX25519KeyPair failed: %v", err)
	}

	loaded, err := LoadX25519KeyPair(path)
	if err != nil {
		t.Fatalf("LoadX25519KeyPair failed: %v", err)
	}
	if !bytes.Equal(loaded.Private, pair.Private) || !bytes.Equal(loaded.Public, pair.Public) {
		t.Fatalf("expected X25519 key pair to round-trip")
	}
}

func TestFormatFingerprintGroupsChunks(t *testing.T) {
	if got := FormatFingerprint("abcdef0123"); got != "ABCD EF01 23" {
		t.Fatalf("unexpected fingerprint format %q", got)
	}
}
