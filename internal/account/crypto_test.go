package account

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestCrypto(t *testing.T) *Crypto {
	t.Helper()
	c, err := NewCryptoFromFile(filepath.Join(t.TempDir(), "encryption.key"))
	if err != nil {
		t.Fatalf("create crypto: %v", err)
	}
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := newTestCrypto(t)

	for _, plaintext := range []string{"a", "short token", strings.Repeat("x", 4096)} {
		enc, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if enc == plaintext {
			t.Fatal("ciphertext equals plaintext")
		}
		if !strings.Contains(enc, ":") {
			t.Fatalf("ciphertext missing iv separator: %q", enc)
		}
		dec, err := c.Decrypt(enc)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if dec != plaintext {
			t.Fatalf("round trip mismatch: %q != %q", dec, plaintext)
		}
	}
}

func TestEmptyStringPassesThrough(t *testing.T) {
	c := newTestCrypto(t)
	enc, err := c.Encrypt("")
	if err != nil || enc != "" {
		t.Fatalf("empty encrypt = %q, %v", enc, err)
	}
	dec, err := c.Decrypt("")
	if err != nil || dec != "" {
		t.Fatalf("empty decrypt = %q, %v", dec, err)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	c1 := newTestCrypto(t)
	c2 := newTestCrypto(t)

	enc, err := c1.Encrypt("secret refresh token")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if dec, err := c2.Decrypt(enc); err == nil && dec == "secret refresh token" {
		t.Fatal("different key material must not decrypt")
	}
}

func TestKeyFileCreatedAndReused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encryption.key")

	c1, err := NewCryptoFromFile(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key file not created: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key file mode = %v, want 0600", info.Mode().Perm())
	}

	enc, _ := c1.Encrypt("token")
	c2, err := NewCryptoFromFile(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	dec, err := c2.Decrypt(enc)
	if err != nil || dec != "token" {
		t.Fatalf("reloaded key should decrypt: %q, %v", dec, err)
	}
}

func TestFingerprintStableAndKeyed(t *testing.T) {
	c1 := newTestCrypto(t)
	c2 := newTestCrypto(t)

	a := c1.Fingerprint("cache-key-1")
	if a != c1.Fingerprint("cache-key-1") {
		t.Fatal("fingerprint not deterministic")
	}
	if a == c1.Fingerprint("cache-key-2") {
		t.Fatal("distinct inputs should not collide")
	}
	if a == c2.Fingerprint("cache-key-1") {
		t.Fatal("fingerprint must depend on key material")
	}
	if a == "cache-key-1" || strings.Contains(a, "cache-key") {
		t.Fatal("fingerprint leaks raw input")
	}
}
