package secretbox

import (
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestRoundtrip(t *testing.T) {
	box, err := New(testKey(t))
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	encrypted, err := box.Encrypt("session blob contents")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if encrypted == "session blob contents" {
		t.Fatal("ciphertext equals plaintext")
	}
	decrypted, err := box.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if decrypted != "session blob contents" {
		t.Fatalf("got %q", decrypted)
	}
}

func TestWrongKeyFails(t *testing.T) {
	box1, _ := New(testKey(t))
	box2, _ := New(testKey(t))
	encrypted, err := box1.Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := box2.Decrypt(encrypted); err == nil {
		t.Fatal("decrypt with the wrong key must fail")
	}
}

func TestInvalidKeys(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("empty key must be rejected")
	}
	if _, err := New("not-base64!!"); err == nil {
		t.Fatal("non-base64 key must be rejected")
	}
	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	if _, err := New(short); err == nil {
		t.Fatal("short key must be rejected")
	}
}

func TestDecryptGarbage(t *testing.T) {
	box, _ := New(testKey(t))
	if _, err := box.Decrypt("AAAA"); err == nil {
		t.Fatal("truncated ciphertext must be rejected")
	}
	if _, err := box.Decrypt("%%%"); err == nil {
		t.Fatal("non-base64 ciphertext must be rejected")
	}
}
