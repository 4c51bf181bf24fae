package requestid

import (
	"encoding/hex"
	"testing"
)

func TestNew(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if len(a) != 32 {
		t.Fatalf("New() len=%d, want 32", len(a))
	}
	if _, err := hex.DecodeString(a); err != nil {
		t.Fatalf("New()=%q not hex: %v", a, err)
	}

	b, err := New()
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if a == b {
		t.Fatalf("New() returned identical ids %q", a)
	}
}
