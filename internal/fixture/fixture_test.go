package fixture

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeDataset(dir string) error {
	return os.WriteFile(filepath.Join(dir, "data.csv"), []byte("feature1,feature2,label\n1,2,0\n"), 0o644)
}

func TestDir_RemovedAfterPassingTest(t *testing.T) {
	var dir string
	passed := t.Run("consumer", func(t *testing.T) {
		dir = Dir(t, writeDataset)
		if _, err := os.Stat(filepath.Join(dir, "data.csv")); err != nil {
			t.Fatalf("dataset missing: %v", err)
		}
	})
	if !passed {
		t.Fatalf("consumer subtest failed")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("fixture dir %s still exists after test (err=%v)", dir, err)
	}
}

func TestDir_RemovedAfterPanickingTest(t *testing.T) {
	var dir string
	t.Run("consumer", func(t *testing.T) {
		defer func() { _ = recover() }()
		dir = Dir(t, writeDataset)
		panic("unexpected fault in test body")
	})
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("fixture dir %s still exists after panic (err=%v)", dir, err)
	}
}

func TestDir_SetupRunsBeforeYield(t *testing.T) {
	dir := Dir(t, func(dir string) error {
		if err := os.MkdirAll(filepath.Join(dir, "raw"), 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, "raw", "part-0.csv"), []byte("a,b\n"), 0o644)
	})
	if _, err := os.Stat(filepath.Join(dir, "raw", "part-0.csv")); err != nil {
		t.Fatalf("setup output missing: %v", err)
	}
}

func TestModule_SetupFailureRemovesDir(t *testing.T) {
	boom := errors.New("synthesize failed")
	shared, err := Module(func(dir string) error {
		if err := writeDataset(dir); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want wrapped setup error", err)
	}
	if shared != nil {
		t.Fatalf("shared=%v, want nil on setup failure", shared)
	}
}

func TestModule_ReleaseIsIdempotent(t *testing.T) {
	shared, err := Module(writeDataset)
	if err != nil {
		t.Fatalf("module fixture: %v", err)
	}
	dir := shared.Dir()
	if dir == "" {
		t.Fatalf("empty dir before release")
	}
	if _, err := os.Stat(filepath.Join(dir, "data.csv")); err != nil {
		t.Fatalf("dataset missing: %v", err)
	}

	if err := shared.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("dir %s still exists after release (err=%v)", dir, err)
	}
	if err := shared.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if got := shared.Dir(); got != "" {
		t.Fatalf("Dir after release=%q, want empty", got)
	}
}
