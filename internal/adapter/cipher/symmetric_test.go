package cipher

import (
	"bytes"
	"testing"
	"time"
)

func mustKey(t *testing.T, id string) *Key {
	t.Helper()
	raw, err := RandomBytes(KeySize)
	if err != nil {
		t.Fatalf("random bytes: %v", err)
	}
	k, err := NewKey(id, raw, time.Time{})
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	return k
}

func TestSymmetric_RoundTrip(t *testing.T) {
	raw, _ := RandomBytes(KeySize)
	sym, err := NewSymmetric(raw)
	if err != nil {
		t.Fatalf("NewSymmetric: %v", err)
	}

	packed, err := sym.Encrypt([]byte("aad"), []byte("s3cret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if packed[0] != versionMagic {
		t.Errorf("expected version magic %q, got %q", versionMagic, packed[0])
	}

	plain, err := sym.Decrypt([]byte("aad"), packed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(plain, []byte("s3cret")) {
		t.Errorf("got %q, want %q", plain, "s3cret")
	}

	if _, err := sym.Decrypt([]byte("other"), packed); err == nil {
		t.Error("expected decrypt with different aad to fail")
	}
	if _, err := sym.Decrypt(nil, packed[:5]); err != ErrShortCiphertext {
		t.Errorf("expected ErrShortCiphertext, got %v", err)
	}
}

func TestNewSymmetric_RejectsWrongKeySize(t *testing.T) {
	if _, err := NewSymmetric([]byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestKeyring_SealOpen(t *testing.T) {
	k1 := mustKey(t, "k1")
	k2 := mustKey(t, "k2")
	kr, err := NewKeyring("k2", k1, k2)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}

	old, err := kr.SealWith("k1", "hunter2")
	if err != nil {
		t.Fatalf("SealWith: %v", err)
	}
	if id, _ := EnvelopeKeyID(old); id != "k1" {
		t.Errorf("envelope key id = %q, want k1", id)
	}

	plain, keyID, err := kr.Open(old)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if plain != "hunter2" || keyID != "k1" {
		t.Errorf("Open = (%q, %q), want (hunter2, k1)", plain, keyID)
	}

	sealed, _ := kr.Seal("hunter2")
	if id, _ := EnvelopeKeyID(sealed); id != "k2" {
		t.Errorf("active seal used %q, want k2", id)
	}
}

func TestKeyring_OpenWithoutMatchingKey(t *testing.T) {
	k1 := mustKey(t, "k1")
	other := mustKey(t, "k1")

	sealer, _ := NewKeyring("k1", k1)
	opener, _ := NewKeyring("k1", other)

	sealed, _ := sealer.Seal("value")
	if _, _, err := opener.Open(sealed); err != ErrNoMatchingKey {
		t.Fatalf("expected ErrNoMatchingKey, got %v", err)
	}
}

func TestIsEnvelope(t *testing.T) {
	kr, _ := NewKeyring("k1", mustKey(t, "k1"))
	sealed, _ := kr.Seal("x")

	tests := []struct {
		name  string
		value string
		want  bool
	}{
		{"sealed value", sealed, true},
		{"plaintext", "password123", false},
		{"prefix only", EnvelopePrefix + "k1$", false},
		{"bad base64", EnvelopePrefix + "k1$!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!", false},
		{"missing key id", EnvelopePrefix + "$" + sealed[len(EnvelopePrefix)+3:], false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsEnvelope(tt.value); got != tt.want {
				t.Errorf("IsEnvelope(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestParseKeySpecs(t *testing.T) {
	keys, err := ParseKeySpecs([]string{
		"k1:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=:2026-01-02",
		"k2:AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=",
	})
	if err != nil {
		t.Fatalf("ParseKeySpecs: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys", len(keys))
	}
	if keys[0].CreatedAt.Format(time.DateOnly) != "2026-01-02" {
		t.Errorf("unexpected created date %v", keys[0].CreatedAt)
	}

	kr, _ := NewKeyring("k1", keys...)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	if !kr.RotationDue(now, 90*24*time.Hour) {
		t.Error("expected rotation to be due")
	}
	if kr.RotationDue(now, 365*24*time.Hour) {
		t.Error("expected rotation not due within a year")
	}

	if _, err := ParseKeySpecs([]string{"nokey"}); err == nil {
		t.Error("expected malformed spec error")
	}
}
