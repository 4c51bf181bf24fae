package main

import (
	"strings"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STELA_PIPELINES_FILE", "/etc/stela/pipelines.yml")
	t.Setenv("STELA_GIT_REF", "refs/tags/train-v1")
	t.Setenv("STELA_DATA_ROOT", "/var/lib/stela")
}

func TestConfigFromEnv_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := configFromEnv()
	if err != nil {
		t.Fatalf("configFromEnv: %v", err)
	}
	if cfg.RuntimeKind != "docker" {
		t.Fatalf("RuntimeKind=%q, want docker", cfg.RuntimeKind)
	}
	if cfg.SecretsMode != "env" {
		t.Fatalf("SecretsMode=%q, want env", cfg.SecretsMode)
	}
	if cfg.TrackingURL != "" {
		t.Fatalf("TrackingURL=%q, want empty", cfg.TrackingURL)
	}
	if cfg.S3Endpoint != "localhost:9000" {
		t.Fatalf("S3Endpoint=%q, want localhost:9000", cfg.S3Endpoint)
	}
}

func TestConfigFromEnv_RequiredFields(t *testing.T) {
	cases := []string{"STELA_PIPELINES_FILE", "STELA_GIT_REF", "STELA_DATA_ROOT"}
	for _, missing := range cases {
		t.Run(missing, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(missing, "")

			if _, err := configFromEnv(); err == nil {
				t.Fatalf("configFromEnv accepted empty %s", missing)
			} else if !strings.Contains(err.Error(), missing) {
				t.Fatalf("error %q does not name %s", err, missing)
			}
		})
	}
}

func TestConfigFromEnv_RejectsUnknownRuntime(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STELA_RUNTIME", "podman")

	if _, err := configFromEnv(); err == nil {
		t.Fatalf("configFromEnv accepted unknown runtime")
	}
}

func TestConfigFromEnv_FileSecretsNeedDir(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STELA_SECRETS_MODE", "file")

	if _, err := configFromEnv(); err == nil {
		t.Fatalf("configFromEnv accepted file mode without STELA_SECRETS_DIR")
	}

	t.Setenv("STELA_SECRETS_DIR", "/etc/stela/secrets")
	cfg, err := configFromEnv()
	if err != nil {
		t.Fatalf("configFromEnv: %v", err)
	}
	if cfg.SecretsDir != "/etc/stela/secrets" {
		t.Fatalf("SecretsDir=%q", cfg.SecretsDir)
	}
}

func TestConfigFromEnv_OIDCNeedsClientID(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STELA_OIDC_TOKEN_URL", "https://sso.example.com/token")

	if _, err := configFromEnv(); err == nil {
		t.Fatalf("configFromEnv accepted OIDC token URL without client id")
	}

	t.Setenv("STELA_OIDC_CLIENT_ID", "stela-runner")
	if _, err := configFromEnv(); err != nil {
		t.Fatalf("configFromEnv: %v", err)
	}
}
