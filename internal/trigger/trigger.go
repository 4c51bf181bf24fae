// Package trigger maps pushed tag references onto registered pipelines.
//
// Patterns are standard path globs matched case-sensitively against the
// full tag string after the fixed refs/tags/ prefix. A pattern that could
// select the same tag as a pattern of a different pipeline is rejected at
// registration time, so Match never has to break a tie.
package trigger

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

const RefPrefix = "refs/tags/"

var (
	ErrNoMatch          = errors.New("no pipeline matches reference")
	ErrBadPattern       = errors.New("bad trigger pattern")
	ErrAmbiguousPattern = errors.New("ambiguous trigger pattern")
)

type Registry struct {
	entries []registryEntry
	names   map[string]struct{}
}

type registryEntry struct {
	pipeline string
	patterns []string
}

func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Register binds trigger patterns to a pipeline name. Every pattern is
// syntax-checked and checked for overlap against the patterns of every
// other registered pipeline; overlap within one pipeline is allowed.
func (r *Registry) Register(pipeline string, patterns []string) error {
	pipeline = strings.TrimSpace(pipeline)
	if pipeline == "" {
		return errors.New("pipeline name is required")
	}
	if _, exists := r.names[pipeline]; exists {
		return fmt.Errorf("pipeline %q already registered", pipeline)
	}
	if len(patterns) == 0 {
		return fmt.Errorf("pipeline %q has no trigger patterns", pipeline)
	}

	for _, pattern := range patterns {
		if err := ValidatePattern(pattern); err != nil {
			return fmt.Errorf("pipeline %q: %w", pipeline, err)
		}
		for _, other := range r.entries {
			for _, existing := range other.patterns {
				if globsOverlap(pattern, existing) {
					return fmt.Errorf(
						"%w: %q (pipeline %q) can match the same tag as %q (pipeline %q)",
						ErrAmbiguousPattern, pattern, pipeline, existing, other.pipeline,
					)
				}
			}
		}
	}

	r.entries = append(r.entries, registryEntry{pipeline: pipeline, patterns: patterns})
	r.names[pipeline] = struct{}{}
	return nil
}

// Match resolves a full reference like refs/tags/run-examples-v0 to the
// unique registered pipeline, or ErrNoMatch. It has no side effects.
func (r *Registry) Match(ref string) (string, error) {
	tag, ok := strings.CutPrefix(ref, RefPrefix)
	if !ok || tag == "" {
		return "", fmt.Errorf("%w: %q", ErrNoMatch, ref)
	}

	for _, entry := range r.entries {
		for _, pattern := range entry.patterns {
			matched, err := path.Match(pattern, tag)
			if err != nil {
				// Register validated the pattern already.
				return "", fmt.Errorf("%w: %q", ErrBadPattern, pattern)
			}
			if matched {
				return entry.pipeline, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %q", ErrNoMatch, ref)
}

// Pipelines returns the registered pipeline names in registration order.
func (r *Registry) Pipelines() []string {
	out := make([]string, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.pipeline)
	}
	return out
}

func ValidatePattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("%w: empty pattern", ErrBadPattern)
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("%w: %q", ErrBadPattern, pattern)
	}
	return nil
}
