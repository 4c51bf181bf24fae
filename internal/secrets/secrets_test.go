package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateKey(t *testing.T) {
	valid := []string{"s3.access_key_id", "db-password", "token", "a", "a.b-c_d"}
	for _, key := range valid {
		if err := ValidateKey(key); err != nil {
			t.Fatalf("ValidateKey(%q)=%v, want nil", key, err)
		}
	}

	invalid := []string{"", ".leading", "trailing.", "-x", "x-", "UPPER", "has space", "a/../b", "a..b", "path/inside", "\x00"}
	for _, key := range invalid {
		if err := ValidateKey(key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("ValidateKey(%q)=%v, want %v", key, err, ErrInvalidKey)
		}
	}
}

func TestEnvProvider_Get(t *testing.T) {
	t.Setenv("STELA_SECRET_S3_ACCESS_KEY_ID", "AKIATEST")

	p := NewEnvProvider("")
	got, err := p.Get(context.Background(), "s3.access_key_id")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "AKIATEST" {
		t.Fatalf("value=%q, want AKIATEST", got)
	}
}

func TestEnvProvider_GetDashKey(t *testing.T) {
	t.Setenv("STELA_SECRET_DB_PASSWORD", "hunter2")

	p := NewEnvProvider("")
	got, err := p.Get(context.Background(), "db-password")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("value=%q, want hunter2", got)
	}
}

func TestEnvProvider_Missing(t *testing.T) {
	_ = os.Unsetenv("STELA_SECRET_NOPE")

	p := NewEnvProvider("")
	_, err := p.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get error=%v, want %v", err, ErrNotFound)
	}
}

func TestEnvProvider_Keys(t *testing.T) {
	t.Setenv("STELA_TEST_SECRET_ALPHA", "1")
	t.Setenv("STELA_TEST_SECRET_BETA_GAMMA", "2")

	p := NewEnvProvider("STELA_TEST_SECRET_")
	keys, err := p.Keys(context.Background())
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	found := make(map[string]bool, len(keys))
	for _, key := range keys {
		found[key] = true
	}
	if !found["alpha"] || !found["beta_gamma"] {
		t.Fatalf("keys=%v, want alpha and beta_gamma", keys)
	}
}

func TestEnvProvider_InvalidKey(t *testing.T) {
	p := NewEnvProvider("")
	if _, err := p.Get(context.Background(), "../etc/passwd"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Get error=%v, want %v", err, ErrInvalidKey)
	}
}

func TestFileProvider_Get(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "s3.secret_access_key"), []byte("  supersecret\n"), 0o600); err != nil {
		t.Fatalf("write secret file: %v", err)
	}

	p, err := NewFileProvider(dir)
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}
	got, err := p.Get(context.Background(), "s3.secret_access_key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "supersecret" {
		t.Fatalf("value=%q, want supersecret", got)
	}
}

func TestFileProvider_Missing(t *testing.T) {
	p, err := NewFileProvider(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}
	if _, err := p.Get(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get error=%v, want %v", err, ErrNotFound)
	}
}

func TestFileProvider_RejectsTraversal(t *testing.T) {
	p, err := NewFileProvider(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}
	for _, key := range []string{"../outside", "a/../../b", "nested/key"} {
		if _, err := p.Get(context.Background(), key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Get(%q) error=%v, want %v", key, err, ErrInvalidKey)
		}
	}
}

func TestFileProvider_Keys(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"alpha", "beta.gamma"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("v"), 0o600); err != nil {
			t.Fatalf("write secret file: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	p, err := NewFileProvider(dir)
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}
	keys, err := p.Keys(context.Background())
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys=%v, want 2 entries", keys)
	}
}

func TestErrorsOmitValues(t *testing.T) {
	t.Setenv("STELA_SECRET_LEAKY", "do-not-print")

	p := NewEnvProvider("")
	if _, err := p.Get(context.Background(), "leaky"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	_, err := p.Get(context.Background(), "leaky-missing")
	if err == nil {
		t.Fatalf("expected error")
	}
	if strings.Contains(err.Error(), "do-not-print") {
		t.Fatalf("error text leaks secret value: %v", err)
	}
}
