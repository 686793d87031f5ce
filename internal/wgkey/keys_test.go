package wgkey

import (
	"encoding/base64"
	"testing"
)

func TestParseKey_roundTrip(t *testing.T) {
	t.Parallel()

	raw := make([]byte, KeySize)
	for i := range raw {
		raw[i] = byte(i)
	}
	s := base64.StdEncoding.EncodeToString(raw)

	parsed, err := ParseKey(s)
	if err != nil {
		t.Fatalf("ParseKey() error: %v", err)
	}
	if parsed.String() != s {
		t.Errorf("round-trip mismatch:\n orig   %s\n parsed %s", s, parsed.String())
	}
}

func TestParseKey_invalidBase64(t *testing.T) {
	t.Parallel()

	_, err := ParseKey("not-valid-base64!!!")
	if err == nil {
		t.Fatal("ParseKey() expected error for invalid base64")
	}
}

func TestParseKey_wrongLength(t *testing.T) {
	t.Parallel()

	// 16 bytes encoded as base64 — wrong length.
	short := base64.StdEncoding.EncodeToString(make([]byte, 16))
	_, err := ParseKey(short)
	if err == nil {
		t.Fatal("ParseKey() expected error for wrong-length key")
	}
}

func TestKey_IsZero(t *testing.T) {
	t.Parallel()

	var zero Key
	if !zero.IsZero() {
		t.Fatal("zero key should report IsZero() == true")
	}

	nonZero, err := ParseKey(base64.StdEncoding.EncodeToString(append([]byte{1}, make([]byte, KeySize-1)...)))
	if err != nil {
		t.Fatalf("ParseKey() error: %v", err)
	}
	if nonZero.IsZero() {
		t.Fatal("non-zero key should report IsZero() == false")
	}
}

func TestKey_MarshalText_roundTrip(t *testing.T) {
	t.Parallel()

	raw := make([]byte, KeySize)
	for i := range raw {
		raw[i] = byte(255 - i)
	}
	var orig Key
	copy(orig[:], raw)

	text, err := orig.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() error: %v", err)
	}

	var decoded Key
	if err := decoded.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText() error: %v", err)
	}

	if decoded != orig {
		t.Errorf("MarshalText/UnmarshalText round-trip mismatch")
	}
}

func TestKey_UnmarshalText_invalid(t *testing.T) {
	t.Parallel()

	var k Key
	if err := k.UnmarshalText([]byte("garbage")); err == nil {
		t.Fatal("UnmarshalText() expected error for invalid input")
	}
}
