package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
)

// DisabledAuthenticator admits every request as a local admin.
type DisabledAuthenticator struct{}

func (DisabledAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return Identity{
		Subject: "anonymous",
		Roles:   []string{RoleAdmin},
	}, nil
}

// StaticTokenAuthenticator accepts one shared bearer token.
type StaticTokenAuthenticator struct {
	Token string
}

func (a StaticTokenAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	token := BearerToken(r)
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) != 1 {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{
		Subject: "static-token",
		Roles:   []string{RoleEditor},
	}, nil
}
