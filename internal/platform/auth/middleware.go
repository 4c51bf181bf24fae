package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type AuthorizeFunc func(r *http.Request, identity Identity) error

// DenyEvent describes a rejected request for the audit trail.
type DenyEvent struct {
	Time       time.Time
	Status     int
	Reason     string
	Error      string
	Subject    string
	Email      string
	Roles      []string
	Method     string
	Path       string
	RequestID  string
	RemoteAddr string
	UserAgent  string
}

type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	Authorize     AuthorizeFunc
	Audit         func(ctx context.Context, event DenyEvent) error
	SkipPrefixes  []string
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range m.SkipPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		if err != nil {
			code := "invalid_token"
			reason := "invalid_token"
			if errors.Is(err, ErrUnauthenticated) {
				code = "unauthorized"
				reason = "unauthenticated"
			}
			m.deny(r, Identity{}, http.StatusUnauthorized, reason, err)
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error":      code,
				"request_id": r.Header.Get("X-Request-Id"),
			})
			return
		}

		if m.Authorize != nil {
			if err := m.Authorize(r, identity); err != nil {
				m.deny(r, identity, http.StatusForbidden, "forbidden", err)
				writeJSON(w, http.StatusForbidden, map[string]any{
					"error":      "forbidden",
					"request_id": r.Header.Get("X-Request-Id"),
				})
				return
			}
		}

		r = r.WithContext(ContextWithIdentity(r.Context(), identity))
		next.ServeHTTP(w, r)
	})
}

func (m Middleware) deny(r *http.Request, identity Identity, status int, reason string, err error) {
	if m.Logger != nil {
		m.Logger.Warn("auth deny",
			"reason", reason,
			"status", status,
			"request_id", r.Header.Get("X-Request-Id"),
			"method", r.Method,
			"path", r.URL.Path,
			"subject", identity.Subject,
			"error", err.Error(),
		)
	}
	if m.Audit == nil {
		return
	}
	event := DenyEvent{
		Time:       time.Now().UTC(),
		Status:     status,
		Reason:     reason,
		Error:      err.Error(),
		Subject:    identity.Subject,
		Email:      identity.Email,
		Roles:      identity.Roles,
		Method:     r.Method,
		Path:       r.URL.Path,
		RequestID:  r.Header.Get("X-Request-Id"),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
	if auditErr := m.Audit(r.Context(), event); auditErr != nil && m.Logger != nil {
		m.Logger.Warn("audit auth deny", "error", auditErr)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

// MethodRoleAuthorizer enforces the read/mutate role split.
func MethodRoleAuthorizer() AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		required := RequiredRoleForRequest(r)
		if HasAtLeast(identity.Roles, required) {
			return nil
		}
		return ErrForbidden
	}
}
