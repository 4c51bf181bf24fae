package auth

import (
	"context"
	"net/http"
	"strings"
)

type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}

// BearerToken extracts the bearer credential from a request, or "".
func BearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return ""
}
