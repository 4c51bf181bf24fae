// Package auth authenticates and authorizes trackd API requests.
//
// Three modes: disabled (every request is an admin, for local use),
// static (one shared bearer token, constant-time compared), and oidc
// (bearer JWTs verified against an issuer). Independently of the mode,
// run-scoped HMAC tokens minted at run creation are accepted for the
// endpoints of the run they name.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stela-ml/stela-go/internal/platform/env"
)

type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeStatic   Mode = "static"
	ModeOIDC     Mode = "oidc"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode

	StaticToken string

	OIDCIssuerURL string
	OIDCAudience  string
	RolesClaim    string

	RunTokenSecret string
	RunTokenTTL    time.Duration
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(strings.TrimSpace(env.String("STELA_AUTH_MODE", string(ModeDisabled))))
	var mode Mode
	switch modeRaw {
	case string(ModeDisabled):
		mode = ModeDisabled
	case string(ModeStatic):
		mode = ModeStatic
	case string(ModeOIDC):
		mode = ModeOIDC
	default:
		return Config{}, fmt.Errorf("STELA_AUTH_MODE must be one of: disabled, static, oidc (got %q)", modeRaw)
	}

	runTokenTTL, err := env.Duration("STELA_RUN_TOKEN_TTL", 24*time.Hour)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:           mode,
		StaticToken:    env.String("STELA_AUTH_STATIC_TOKEN", ""),
		OIDCIssuerURL:  env.String("STELA_AUTH_OIDC_ISSUER", ""),
		OIDCAudience:   env.String("STELA_AUTH_OIDC_AUDIENCE", ""),
		RolesClaim:     env.String("STELA_AUTH_ROLES_CLAIM", "roles"),
		RunTokenSecret: env.String("STELA_RUN_TOKEN_SECRET", ""),
		RunTokenTTL:    runTokenTTL,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeDisabled:
	case ModeStatic:
		if strings.TrimSpace(c.StaticToken) == "" {
			return errors.New("STELA_AUTH_STATIC_TOKEN is required when STELA_AUTH_MODE=static")
		}
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("STELA_AUTH_OIDC_ISSUER is required when STELA_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.OIDCAudience) == "" {
			return errors.New("STELA_AUTH_OIDC_AUDIENCE is required when STELA_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.RolesClaim) == "" {
			return errors.New("STELA_AUTH_ROLES_CLAIM is required when STELA_AUTH_MODE=oidc")
		}
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}

	if c.RunTokenTTL <= 0 {
		return errors.New("STELA_RUN_TOKEN_TTL must be positive")
	}
	return nil
}
