package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCAuthenticator verifies bearer JWTs against the configured issuer.
// trackd has no browser login flow; CI runners obtain tokens out of band
// (typically a client-credentials grant) and present them as bearers.
type OIDCAuthenticator struct {
	cfg      Config
	verifier *oidc.IDTokenVerifier
}

func NewOIDCAuthenticator(ctx context.Context, cfg Config) (*OIDCAuthenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}

	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}

	return &OIDCAuthenticator{
		cfg:      cfg,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OIDCAudience}),
	}, nil
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	rawToken := BearerToken(r)
	if rawToken == "" {
		return Identity{}, ErrUnauthenticated
	}

	idToken, err := a.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Identity{}, err
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, err
	}

	subject, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	roles := extractRolesClaim(claims, a.cfg.RolesClaim)
	if len(roles) == 0 {
		// A verified caller with no role claim can still write runs.
		roles = []string{RoleEditor}
	}

	return Identity{
		Subject: subject,
		Email:   email,
		Roles:   roles,
	}, nil
}

func extractRolesClaim(claims map[string]any, key string) []string {
	v, ok := claims[key]
	if !ok {
		return nil
	}
	switch typed := v.(type) {
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			s, ok := item.(string)
			if !ok {
				continue
			}
			s = strings.ToLower(strings.TrimSpace(s))
			if s == "" {
				continue
			}
			out = append(out, s)
		}
		return out
	case []string:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			s := strings.ToLower(strings.TrimSpace(item))
			if s == "" {
				continue
			}
			out = append(out, s)
		}
		return out
	case string:
		parts := strings.Split(typed, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			s := strings.ToLower(strings.TrimSpace(part))
			if s == "" {
				continue
			}
			out = append(out, s)
		}
		return out
	default:
		return nil
	}
}
