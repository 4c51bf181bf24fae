package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRunToken_RoundTrip(t *testing.T) {
	secret := "test-secret"
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	token, err := GenerateRunToken(secret, RunTokenClaims{
		RunID:         "run-123",
		ExpiresAtUnix: now.Add(30 * time.Minute).Unix(),
	}, now)
	if err != nil {
		t.Fatalf("GenerateRunToken: %v", err)
	}

	claims, err := VerifyRunToken(secret, token, now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("VerifyRunToken: %v", err)
	}
	if claims.RunID != "run-123" {
		t.Fatalf("RunID=%q, want %q", claims.RunID, "run-123")
	}
	if claims.IssuedAtUnix != now.Unix() {
		t.Fatalf("IssuedAtUnix=%d, want %d", claims.IssuedAtUnix, now.Unix())
	}
}

func TestRunToken_Expired(t *testing.T) {
	secret := "test-secret"
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	token, err := GenerateRunToken(secret, RunTokenClaims{
		RunID:         "run-123",
		ExpiresAtUnix: now.Add(1 * time.Minute).Unix(),
	}, now)
	if err != nil {
		t.Fatalf("GenerateRunToken: %v", err)
	}

	_, err = VerifyRunToken(secret, token, now.Add(2*time.Minute))
	if err == nil {
		t.Fatalf("VerifyRunToken: expected error")
	}
	if !errors.Is(err, ErrRunTokenExpired) {
		t.Fatalf("VerifyRunToken error=%v, want %v", err, ErrRunTokenExpired)
	}
}

func TestRunToken_WrongSecret(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	token, err := GenerateRunToken("secret-a", RunTokenClaims{
		RunID:         "run-123",
		ExpiresAtUnix: now.Add(30 * time.Minute).Unix(),
	}, now)
	if err != nil {
		t.Fatalf("GenerateRunToken: %v", err)
	}

	_, err = VerifyRunToken("secret-b", token, now)
	if !errors.Is(err, ErrRunTokenInvalid) {
		t.Fatalf("VerifyRunToken error=%v, want %v", err, ErrRunTokenInvalid)
	}
}

func TestRunSubject_Parse(t *testing.T) {
	subject := RunTokenSubject(RunTokenClaims{RunID: "run-123"})
	runID, ok := ParseRunSubject(subject)
	if !ok {
		t.Fatalf("ParseRunSubject ok=false")
	}
	if runID != "run-123" {
		t.Fatalf("runID=%q, want %q", runID, "run-123")
	}

	if _, ok := ParseRunSubject("alice"); ok {
		t.Fatalf("expected ok=false for non-run subject")
	}
	if _, ok := ParseRunSubject("run:"); ok {
		t.Fatalf("expected ok=false for empty run id")
	}
}

func TestRunTokenAuthenticator_AcceptsRunToken(t *testing.T) {
	secret := "test-secret"
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	token, err := GenerateRunToken(secret, RunTokenClaims{
		RunID:         "run-123",
		ExpiresAtUnix: now.Add(30 * time.Minute).Unix(),
	}, now)
	if err != nil {
		t.Fatalf("GenerateRunToken: %v", err)
	}

	next := &testAuthenticator{err: ErrUnauthenticated}
	authn := RunTokenAuthenticator{
		Secret: secret,
		Next:   next,
		Now:    func() time.Time { return now.Add(time.Minute) },
	}

	req := httptest.NewRequest(http.MethodPost, "http://example.test/api", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	identity, err := authn.Authenticate(context.Background(), req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity.Subject != "run:run-123" {
		t.Fatalf("Subject=%q, want run:run-123", identity.Subject)
	}
	if !HasAtLeast(identity.Roles, RoleEditor) {
		t.Fatalf("Roles=%v, want editor", identity.Roles)
	}
	if next.calls != 0 {
		t.Fatalf("next calls=%d, want 0", next.calls)
	}
}

func TestRunTokenAuthenticator_DelegatesOtherTokens(t *testing.T) {
	next := &testAuthenticator{identity: Identity{Subject: "alice", Roles: []string{RoleAdmin}}}
	authn := RunTokenAuthenticator{
		Secret: "test-secret",
		Next:   next,
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.test/api", nil)
	req.Header.Set("Authorization", "Bearer some-oidc-jwt")
	identity, err := authn.Authenticate(context.Background(), req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity.Subject != "alice" {
		t.Fatalf("Subject=%q, want alice", identity.Subject)
	}
	if next.calls != 1 {
		t.Fatalf("next calls=%d, want 1", next.calls)
	}
}

func TestRunTokenAuthenticator_RejectsTamperedToken(t *testing.T) {
	secret := "test-secret"
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	token, err := GenerateRunToken(secret, RunTokenClaims{
		RunID:         "run-123",
		ExpiresAtUnix: now.Add(30 * time.Minute).Unix(),
	}, now)
	if err != nil {
		t.Fatalf("GenerateRunToken: %v", err)
	}

	next := &testAuthenticator{identity: Identity{Subject: "alice"}}
	authn := RunTokenAuthenticator{
		Secret: secret,
		Next:   next,
		Now:    func() time.Time { return now },
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.test/api", nil)
	req.Header.Set("Authorization", "Bearer "+token+"x")
	_, err = authn.Authenticate(context.Background(), req)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Authenticate error=%v, want %v", err, ErrUnauthenticated)
	}
	if next.calls != 0 {
		t.Fatalf("next calls=%d, want 0", next.calls)
	}
}
