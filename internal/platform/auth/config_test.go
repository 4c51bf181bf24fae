package auth

import (
	"os"
	"testing"
	"time"
)

func TestConfigFromEnv_Defaults(t *testing.T) {
	_ = os.Unsetenv("STELA_AUTH_MODE")
	_ = os.Unsetenv("STELA_RUN_TOKEN_TTL")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Mode != ModeDisabled {
		t.Fatalf("Mode=%q, want disabled", cfg.Mode)
	}
	if cfg.RunTokenTTL != 24*time.Hour {
		t.Fatalf("RunTokenTTL=%v, want 24h", cfg.RunTokenTTL)
	}
	if cfg.RolesClaim != "roles" {
		t.Fatalf("RolesClaim=%q, want roles", cfg.RolesClaim)
	}
}

func TestConfigFromEnv_Static(t *testing.T) {
	t.Setenv("STELA_AUTH_MODE", "static")
	t.Setenv("STELA_AUTH_STATIC_TOKEN", "s3cret")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Mode != ModeStatic {
		t.Fatalf("Mode=%q, want static", cfg.Mode)
	}
	if cfg.StaticToken != "s3cret" {
		t.Fatalf("StaticToken=%q, want s3cret", cfg.StaticToken)
	}
}

func TestConfigFromEnv_StaticRequiresToken(t *testing.T) {
	_ = os.Unsetenv("STELA_AUTH_STATIC_TOKEN")
	t.Setenv("STELA_AUTH_MODE", "static")

	_, err := ConfigFromEnv()
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestConfigFromEnv_OIDC_RequiresIssuerAndAudience(t *testing.T) {
	_ = os.Unsetenv("STELA_AUTH_OIDC_ISSUER")
	_ = os.Unsetenv("STELA_AUTH_OIDC_AUDIENCE")
	t.Setenv("STELA_AUTH_MODE", "oidc")

	_, err := ConfigFromEnv()
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestConfigFromEnv_UnknownMode(t *testing.T) {
	t.Setenv("STELA_AUTH_MODE", "mystery")

	_, err := ConfigFromEnv()
	if err == nil {
		t.Fatalf("expected error")
	}
}
