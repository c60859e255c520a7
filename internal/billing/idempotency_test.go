package billing

import "testing"

// ---------------------------------------------------------------------------
// Idempotency keys
// ---------------------------------------------------------------------------

func TestIdempotencyKey_Deterministic(t *testing.T) {
	a := IdempotencyKey("checkout.create", "org-1", "user-1", "starter")
	b := IdempotencyKey("checkout.create", "org-1", "user-1", "starter")
	if a != b {
		t.Errorf("same inputs produced different keys: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}

func TestIdempotencyKey_SensitiveToEveryInput(t *testing.T) {
	base := IdempotencyKey("checkout.create", "org-1", "user-1", "starter")
	variants := []string{
		IdempotencyKey("checkout.cancel", "org-1", "user-1", "starter"),
		IdempotencyKey("checkout.create", "org-2", "user-1", "starter"),
		IdempotencyKey("checkout.create", "org-1", "user-2", "starter"),
		IdempotencyKey("checkout.create", "org-1", "user-1", "growth"),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collided with base key", i)
		}
	}
}

func TestIdempotencyKey_FramesInputs(t *testing.T) {
	// Without length framing these two would hash identical byte streams.
	a := IdempotencyKey("op", "ab", "c")
	b := IdempotencyKey("op", "a", "bc")
	if a == b {
		t.Error("boundary shift must change the key")
	}
}
