package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestWrap_AssignsRequestID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := Wrap(testLogger(), "trackd", mux)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got == "" {
		t.Fatalf("expected X-Request-Id response header")
	}
}

func TestWrap_KeepsCallerRequestID(t *testing.T) {
	mux := http.NewServeMux()
	var seen string
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := Wrap(testLogger(), "trackd", mux)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.Header.Set("X-Request-Id", "rid-7f3a")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "rid-7f3a" {
		t.Fatalf("X-Request-Id=%q, want rid-7f3a", got)
	}
	if seen != "rid-7f3a" {
		t.Fatalf("context request id=%q, want rid-7f3a", seen)
	}
}

func TestWrap_RecoversPanic(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	h := Wrap(testLogger(), "trackd", mux)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type=%q, want application/json", ct)
	}
}

func TestReadyzWithChecks_Ready(t *testing.T) {
	handler := ReadyzWithChecks("trackd", ReadinessCheck{
		Name:  "postgres",
		Check: func(ctx context.Context) error { return nil },
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.test/readyz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "\"status\":\"ready\"") {
		t.Fatalf("expected ready status in response: %s", rec.Body.String())
	}
}

func TestReadyzWithChecks_NotReady(t *testing.T) {
	handler := ReadyzWithChecks("trackd",
		ReadinessCheck{Name: "postgres", Check: func(ctx context.Context) error { return nil }},
		ReadinessCheck{Name: "objectstore", Check: func(ctx context.Context) error { return errors.New("bucket missing") }},
	)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/readyz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "\"status\":\"not_ready\"") {
		t.Fatalf("expected not_ready status in response: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "bucket missing") {
		t.Fatalf("expected failing check detail in response: %s", rec.Body.String())
	}
}
