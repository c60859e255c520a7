package billing

import (
	"bytes"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// SealPayload / OpenPayload round-trip
// ---------------------------------------------------------------------------

func TestSealOpenRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		payload    []byte
		passphrase string
	}{
		{"webhook body", []byte(`{"id":"evt_1","type":"invoice.payment_failed"}`), "archive-pass"},
		{"empty payload", []byte{}, "archive-pass"},
		{"binary bytes", []byte{0x00, 0xff, 0x10, 0x80}, "archive-pass"},
		{"unicode passphrase", []byte("payload"), "пароль!@#"},
		{"long payload", bytes.Repeat([]byte("x"), 64<<10), "archive-pass"},
		{"passphrase with colons", []byte("payload"), "key:with:colons"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := SealPayload(tt.payload, tt.passphrase)
			if err != nil {
				t.Fatalf("SealPayload failed: %v", err)
			}

			// Verify format: salt:iv:authTag:ciphertext (4 hex parts)
			parts := strings.Split(sealed, ":")
			if len(parts) != 4 {
				t.Fatalf("expected 4 colon-separated parts, got %d", len(parts))
			}
			for i, p := range parts {
				if i < 3 && len(p) == 0 {
					t.Fatalf("part %d is empty", i)
				}
				for _, c := range p {
					if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
						t.Fatalf("part %d contains non-hex character: %q", i, string(c))
					}
				}
			}

			opened, err := OpenPayload(sealed, tt.passphrase)
			if err != nil {
				t.Fatalf("OpenPayload failed: %v", err)
			}
			if !bytes.Equal(opened, tt.payload) {
				t.Fatalf("round-trip mismatch: got %d bytes, want %d bytes", len(opened), len(tt.payload))
			}
		})
	}
}

func TestSealProducesDifferentCiphertexts(t *testing.T) {
	// Same payload sealed twice should yield different outputs because salt
	// and IV are random.
	payload := []byte(`{"id":"evt_1"}`)
	s1, err := SealPayload(payload, "key")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := SealPayload(payload, "key")
	if err != nil {
		t.Fatal(err)
	}
	if s1 == s2 {
		t.Fatal("two sealings of the same payload should produce different outputs")
	}
}

func TestSealPayload_RequiresPassphrase(t *testing.T) {
	if _, err := SealPayload([]byte("x"), "   "); err == nil {
		t.Fatal("blank passphrase must be rejected")
	}
}

// ---------------------------------------------------------------------------
// OpenPayload error paths
// ---------------------------------------------------------------------------

func TestOpen_WrongPassphrase(t *testing.T) {
	sealed, err := SealPayload([]byte("payload"), "correct-passphrase")
	if err != nil {
		t.Fatal(err)
	}

	_, err = OpenPayload(sealed, "wrong-passphrase")
	if err == nil {
		t.Fatal("expected error when opening with wrong passphrase")
	}
	if !strings.Contains(err.Error(), "decrypt") {
		t.Fatalf("expected 'decrypt' in error message, got: %v", err)
	}
}

func TestOpen_InvalidFormat(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"one_part", "aabbcc"},
		{"two_parts", "aa:bb"},
		{"three_parts", "aa:bb:cc"},
		{"five_parts", "aa:bb:cc:dd:ee"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OpenPayload(tt.input, "anykey")
			if err == nil {
				t.Fatal("expected error for invalid format")
			}
			if !strings.Contains(err.Error(), "invalid sealed format") {
				t.Fatalf("expected 'invalid sealed format' in error, got: %v", err)
			}
		})
	}
}

func TestOpen_InvalidHex(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bad_salt", "ZZZZ:aabb:ccdd:eeff", "decode salt"},
		{"bad_iv", "aabb:ZZZZ:ccdd:eeff", "decode IV"},
		{"bad_authtag", "aabb:ccdd:ZZZZ:eeff", "decode auth tag"},
		{"bad_ciphertext", "aabb:ccdd:eeff:ZZZZ", "decode ciphertext"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OpenPayload(tt.input, "anykey")
			if err == nil {
				t.Fatal("expected error for invalid hex")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q in error, got: %v", tt.want, err)
			}
		})
	}
}

func TestOpen_TamperedCiphertext(t *testing.T) {
	sealed, err := SealPayload([]byte("payload"), "archivekey")
	if err != nil {
		t.Fatal(err)
	}

	// Flip a byte in the ciphertext (last segment)
	parts := strings.Split(sealed, ":")
	runes := []rune(parts[3])
	if len(runes) > 0 {
		if runes[0] == 'a' {
			runes[0] = 'b'
		} else {
			runes[0] = 'a'
		}
	}
	parts[3] = string(runes)
	tampered := strings.Join(parts, ":")

	_, err = OpenPayload(tampered, "archivekey")
	if err == nil {
		t.Fatal("expected error when ciphertext is tampered")
	}
}

func TestOpen_TamperedAuthTag(t *testing.T) {
	sealed, err := SealPayload([]byte("payload"), "archivekey")
	if err != nil {
		t.Fatal(err)
	}

	parts := strings.Split(sealed, ":")
	runes := []rune(parts[2])
	if len(runes) > 0 {
		if runes[0] == 'a' {
			runes[0] = 'b'
		} else {
			runes[0] = 'a'
		}
	}
	parts[2] = string(runes)
	tampered := strings.Join(parts, ":")

	_, err = OpenPayload(tampered, "archivekey")
	if err == nil {
		t.Fatal("expected error when auth tag is tampered")
	}
}

// ---------------------------------------------------------------------------
// Benchmarks
// ---------------------------------------------------------------------------

func BenchmarkSealPayload(b *testing.B) {
	payload := []byte(`{"id":"evt_1","type":"customer.subscription.updated"}`)
	for i := 0; i < b.N; i++ {
		_, _ = SealPayload(payload, "benchmark-key")
	}
}

func BenchmarkOpenPayload(b *testing.B) {
	sealed, _ := SealPayload([]byte(`{"id":"evt_1"}`), "benchmark-key")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = OpenPayload(sealed, "benchmark-key")
	}
}
