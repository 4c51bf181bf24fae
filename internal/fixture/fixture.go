// Package fixture materializes temporary test datasets with guaranteed
// teardown. Acquisition runs a setup procedure into a fresh directory;
// release removes the directory on every exit path. Tests that do not
// ask for a fixture get nothing, which is how they opt out of the
// setup cost.
package fixture

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
)

// Dir is the per-test scope: it creates a fresh temporary directory,
// runs setup into it, and registers removal via tb.Cleanup before
// setup runs, so a partially materialized dataset is removed whether
// the test passes, fails an assertion, or panics. A setup failure
// aborts the test; a removal failure after the test is reported
// without failing it.
func Dir(tb testing.TB, setup func(dir string) error) string {
	tb.Helper()

	dir, err := os.MkdirTemp("", "stela-fixture-")
	if err != nil {
		tb.Fatalf("fixture: create temp dir: %v", err)
	}
	tb.Cleanup(func() {
		if err := os.RemoveAll(dir); err != nil {
			tb.Logf("fixture: remove %s: %v", dir, err)
		}
	})

	if setup != nil {
		if err := setup(dir); err != nil {
			tb.Fatalf("fixture: setup: %v", err)
		}
	}
	return dir
}

// SharedDir is a module-scoped fixture for TestMain: one dataset built
// once and shared read-only across the module's tests, torn down once
// after the last test.
type SharedDir struct {
	dir string

	once       sync.Once
	releaseErr error
	released   bool
}

// Module builds a shared dataset. On setup failure the directory is
// removed and an error returned before any test runs.
func Module(setup func(dir string) error) (*SharedDir, error) {
	dir, err := os.MkdirTemp("", "stela-fixture-")
	if err != nil {
		return nil, fmt.Errorf("fixture: create temp dir: %w", err)
	}
	if setup != nil {
		if err := setup(dir); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("fixture: setup: %w", err)
		}
	}
	return &SharedDir{dir: dir}, nil
}

// Dir returns the dataset location. Empty after Release.
func (s *SharedDir) Dir() string {
	if s == nil || s.released {
		return ""
	}
	return s.dir
}

// Release removes the dataset exactly once. Later calls return the
// first removal error, if any.
func (s *SharedDir) Release() error {
	if s == nil {
		return errors.New("fixture: nil shared dir")
	}
	s.once.Do(func() {
		s.releaseErr = os.RemoveAll(s.dir)
		s.released = true
	})
	return s.releaseErr
}
