package auth

import (
	"testing"
)

func TestExtractRolesClaim(t *testing.T) {
	claims := map[string]any{
		"roles":  []any{"Admin", " viewer ", 7, ""},
		"groups": "editor, Viewer",
		"scope":  []string{"Editor"},
	}

	got := extractRolesClaim(claims, "roles")
	if len(got) != 2 || got[0] != "admin" || got[1] != "viewer" {
		t.Fatalf("roles=%v, want [admin viewer]", got)
	}

	got = extractRolesClaim(claims, "groups")
	if len(got) != 2 || got[0] != "editor" || got[1] != "viewer" {
		t.Fatalf("groups=%v, want [editor viewer]", got)
	}

	got = extractRolesClaim(claims, "scope")
	if len(got) != 1 || got[0] != "editor" {
		t.Fatalf("scope=%v, want [editor]", got)
	}

	if got := extractRolesClaim(claims, "missing"); got != nil {
		t.Fatalf("missing=%v, want nil", got)
	}
}

func TestHasAtLeast(t *testing.T) {
	if !HasAtLeast([]string{RoleAdmin}, RoleViewer) {
		t.Fatalf("admin should satisfy viewer")
	}
	if !HasAtLeast([]string{RoleEditor, RoleViewer}, RoleEditor) {
		t.Fatalf("editor should satisfy editor")
	}
	if HasAtLeast([]string{RoleViewer}, RoleEditor) {
		t.Fatalf("viewer should not satisfy editor")
	}
	if HasAtLeast(nil, RoleViewer) {
		t.Fatalf("no roles should not satisfy viewer")
	}
	if HasAtLeast([]string{RoleAdmin}, "owner") {
		t.Fatalf("unknown required role should never be satisfied")
	}
}
