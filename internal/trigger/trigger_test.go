package trigger

import (
	"errors"
	"testing"
)

func TestMatch_TagAgainstPattern(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("examples", []string{"run-example-*"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	pipeline, err := r.Match("refs/tags/run-example-v0")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if pipeline != "examples" {
		t.Fatalf("pipeline=%q, want examples", pipeline)
	}

	if _, err := r.Match("refs/tags/other-v0"); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("Match error=%v, want %v", err, ErrNoMatch)
	}
}

func TestMatch_RequiresTagPrefix(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("examples", []string{"run-example-*"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for _, ref := range []string{"run-example-v0", "refs/heads/run-example-v0", "refs/tags/", ""} {
		if _, err := r.Match(ref); !errors.Is(err, ErrNoMatch) {
			t.Fatalf("Match(%q) error=%v, want %v", ref, err, ErrNoMatch)
		}
	}
}

func TestMatch_FullStringAndCaseSensitive(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("examples", []string{"run-example"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := r.Match("refs/tags/run-example-v0"); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("substring should not match")
	}
	if _, err := r.Match("refs/tags/Run-example"); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("case-insensitive match should not happen")
	}
	if pipeline, err := r.Match("refs/tags/run-example"); err != nil || pipeline != "examples" {
		t.Fatalf("Match=%q err=%v, want examples", pipeline, err)
	}
}

func TestRegister_RejectsAmbiguityAcrossPipelines(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("examples", []string{"run-example-*"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	err := r.Register("other", []string{"run-*"})
	if !errors.Is(err, ErrAmbiguousPattern) {
		t.Fatalf("Register error=%v, want %v", err, ErrAmbiguousPattern)
	}
}

func TestRegister_AllowsOverlapWithinOnePipeline(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("examples", []string{"run-example-*", "run-*"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	pipeline, err := r.Match("refs/tags/run-anything")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if pipeline != "examples" {
		t.Fatalf("pipeline=%q, want examples", pipeline)
	}
}

func TestRegister_AllowsDisjointPipelines(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("alpha", []string{"alpha-*"}); err != nil {
		t.Fatalf("Register alpha: %v", err)
	}
	if err := r.Register("beta", []string{"beta-*"}); err != nil {
		t.Fatalf("Register beta: %v", err)
	}

	pipeline, err := r.Match("refs/tags/beta-v1")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if pipeline != "beta" {
		t.Fatalf("pipeline=%q, want beta", pipeline)
	}
}

func TestRegister_RejectsBadPattern(t *testing.T) {
	r := NewRegistry()
	for _, pattern := range []string{"", "  ", "[oops", `broken\`} {
		if err := r.Register("p", []string{pattern}); !errors.Is(err, ErrBadPattern) {
			t.Fatalf("Register(%q) error=%v, want %v", pattern, err, ErrBadPattern)
		}
	}
}

func TestRegister_RejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("examples", []string{"a-*"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("examples", []string{"b-*"}); err == nil {
		t.Fatalf("expected error for duplicate pipeline name")
	}
}

func TestGlobsOverlap(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"run-example-*", "run-*", true},
		{"run-example-*", "run-example-v0", true},
		{"a*c", "ab*", true},
		{"a*", "b*", false},
		{"?x", "ax", true},
		{"?x", "ay", false},
		{"alpha-*", "beta-*", false},
		{"*", "anything", true},
		{"r/*", "r-*", false},
		{"r/*", "r/x-*", true},
		{"exact", "exact", true},
		{"exact", "exactly", false},
		// Classes are assumed to match any rune, so these report overlap
		// even when the classes are disjoint.
		{"[ab]x", "cx", true},
		{"v[0-9]", "va", true},
	}
	for _, tc := range cases {
		if got := globsOverlap(tc.a, tc.b); got != tc.want {
			t.Errorf("globsOverlap(%q, %q)=%v, want %v", tc.a, tc.b, got, tc.want)
		}
		if got := globsOverlap(tc.b, tc.a); got != tc.want {
			t.Errorf("globsOverlap(%q, %q)=%v, want %v", tc.b, tc.a, got, tc.want)
		}
	}
}

func TestValidatePattern(t *testing.T) {
	for _, pattern := range []string{"run-example-*", "v?", "[abc]-*", `lit\*eral`} {
		if err := ValidatePattern(pattern); err != nil {
			t.Fatalf("ValidatePattern(%q)=%v, want nil", pattern, err)
		}
	}
	for _, pattern := range []string{"", "[unterminated", `trailing\`} {
		if err := ValidatePattern(pattern); !errors.Is(err, ErrBadPattern) {
			t.Fatalf("ValidatePattern(%q)=%v, want %v", pattern, err, ErrBadPattern)
		}
	}
}
