package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/stela-ml/stela-go/internal/platform/auth"
)

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// runScopeAllowed enforces that a run-token identity only touches the
// run it was minted for. Other identities pass; roles are already
// checked by the middleware.
func runScopeAllowed(r *http.Request, runID string) bool {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return true
	}
	tokenRunID, isRunToken := auth.ParseRunSubject(identity.Subject)
	if !isRunToken {
		return true
	}
	return tokenRunID == runID
}
