// Package sha256 includes tests for the SHA-256 hasher adapter.
package sha256

import "testing"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	again, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() repeat error = %v", err)
	}
	if again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

// TestFingerprintSeparatesParts ensures part boundaries change the digest.
func TestFingerprintSeparatesParts(t *testing.T) {
	t.Parallel()

	a := Fingerprint("https://example.com/a", "parse")
	b := Fingerprint("https://example.com/ap", "arse")
	if a == b {
		t.Fatalf("expected distinct fingerprints, both %s", a)
	}
	if a != Fingerprint("https://example.com/a", "parse") {
		t.Fatal("expected fingerprint to be deterministic")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}
