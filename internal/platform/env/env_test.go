package env

import (
	"testing"
	"time"
)

func TestString(t *testing.T) {
	t.Setenv("STELA_TEST_STRING", "configured")
	if got := String("STELA_TEST_STRING", "fallback"); got != "configured" {
		t.Fatalf("String()=%q, want configured", got)
	}
	if got := String("STELA_TEST_STRING_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("String()=%q, want fallback", got)
	}
}

func TestBool(t *testing.T) {
	t.Setenv("STELA_TEST_BOOL", "true")
	got, err := Bool("STELA_TEST_BOOL", false)
	if err != nil {
		t.Fatalf("Bool() err=%v", err)
	}
	if !got {
		t.Fatalf("Bool()=%v, want true", got)
	}

	got, err = Bool("STELA_TEST_BOOL_MISSING", true)
	if err != nil {
		t.Fatalf("Bool() err=%v", err)
	}
	if !got {
		t.Fatalf("Bool()=%v, want default true", got)
	}
}

func TestBool_Invalid(t *testing.T) {
	t.Setenv("STELA_TEST_BOOL_BAD", "yep")
	if _, err := Bool("STELA_TEST_BOOL_BAD", false); err == nil {
		t.Fatalf("Bool() expected error for invalid value")
	}
}

func TestInt(t *testing.T) {
	t.Setenv("STELA_TEST_INT", "11")
	got, err := Int("STELA_TEST_INT", 3)
	if err != nil {
		t.Fatalf("Int() err=%v", err)
	}
	if got != 11 {
		t.Fatalf("Int()=%d, want 11", got)
	}

	got, err = Int("STELA_TEST_INT_MISSING", 3)
	if err != nil {
		t.Fatalf("Int() err=%v", err)
	}
	if got != 3 {
		t.Fatalf("Int()=%d, want default 3", got)
	}
}

func TestInt_Invalid(t *testing.T) {
	t.Setenv("STELA_TEST_INT_BAD", "eleven")
	if _, err := Int("STELA_TEST_INT_BAD", 3); err == nil {
		t.Fatalf("Int() expected error for invalid value")
	}
}

func TestDuration(t *testing.T) {
	t.Setenv("STELA_TEST_DURATION", "1500ms")
	got, err := Duration("STELA_TEST_DURATION", time.Minute)
	if err != nil {
		t.Fatalf("Duration() err=%v", err)
	}
	if got != 1500*time.Millisecond {
		t.Fatalf("Duration()=%v, want 1.5s", got)
	}

	got, err = Duration("STELA_TEST_DURATION_MISSING", time.Minute)
	if err != nil {
		t.Fatalf("Duration() err=%v", err)
	}
	if got != time.Minute {
		t.Fatalf("Duration()=%v, want default 1m", got)
	}
}

func TestDuration_Invalid(t *testing.T) {
	t.Setenv("STELA_TEST_DURATION_BAD", "soon")
	if _, err := Duration("STELA_TEST_DURATION_BAD", time.Minute); err == nil {
		t.Fatalf("Duration() expected error for invalid value")
	}
}
