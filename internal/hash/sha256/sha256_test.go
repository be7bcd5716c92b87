package sha256

import (
	"strings"
	"testing"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte(`{"target_id":"A"}`))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(got))
	}
	again, err := h.Hash([]byte(`{"target_id":"A"}`))
	if err != nil {
		t.Fatalf("Hash() repeat error = %v", err)
	}
	if again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
	other, _ := h.Hash([]byte(`{"target_id":"B"}`))
	if other == got {
		t.Fatal("expected different payloads to hash differently")
	}
	empty, _ := h.Hash([]byte{})
	if empty != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Fatalf("unexpected digest of empty input %s", empty)
	}
}

func TestHasherWithLength(t *testing.T) {
	t.Parallel()

	full, _ := New().Hash([]byte("monitor"))
	short, err := New(WithLength(16)).Hash([]byte("monitor"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if len(short) != 16 || !strings.HasPrefix(full, short) {
		t.Fatalf("expected 16-char prefix of %s, got %s", full, short)
	}
	for _, n := range []int{0, -1, 65} {
		got, _ := New(WithLength(n)).Hash([]byte("monitor"))
		if got != full {
			t.Fatalf("WithLength(%d) should keep full digest, got %s", n, got)
		}
	}
}

func TestHasherRejectsNil(t *testing.T) {
	t.Parallel()

	if _, err := New().Hash(nil); err == nil {
		t.Fatal("expected error for nil payload")
	}
}
