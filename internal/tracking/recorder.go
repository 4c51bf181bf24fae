package tracking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/google/uuid"
)

// StartRunRequest is what a recorder needs to open a run.
type StartRunRequest struct {
	Name     string
	ParentID string
	Tags     map[string]string
}

// RunHandle identifies a started run. Token is a run-scoped trackd
// credential; the no-op recorder leaves it empty.
type RunHandle struct {
	ID    string
	Token string
}

type ArtifactInfo struct {
	Path      string
	SizeBytes int64
	SHA256    string
}

// Recorder persists run records. Implementations: HTTPRecorder (CI)
// and NoopRecorder (local/test). The Client enforces the lifecycle
// invariants before calling any of these.
type Recorder interface {
	Name() string
	StartRun(ctx context.Context, req StartRunRequest) (RunHandle, error)
	EndRun(ctx context.Context, runID string, status Status) error
	LogParam(ctx context.Context, runID, name, value string) error
	LogMetric(ctx context.Context, runID, name string, value float64, step int) error
	LogArtifact(ctx context.Context, runID, localPath, artifactPath string) (ArtifactInfo, error)
}

// NoopRecorder accepts every call without network I/O. Run IDs are
// still generated so nesting and env propagation behave the same as in
// CI; artifacts are stat'ed locally so a missing file is still a
// caller error.
type NoopRecorder struct{}

func NewNoop() NoopRecorder { return NoopRecorder{} }

func (NoopRecorder) Name() string { return "noop" }

func (NoopRecorder) StartRun(context.Context, StartRunRequest) (RunHandle, error) {
	return RunHandle{ID: uuid.NewString()}, nil
}

func (NoopRecorder) EndRun(context.Context, string, Status) error { return nil }

func (NoopRecorder) LogParam(context.Context, string, string, string) error { return nil }

func (NoopRecorder) LogMetric(context.Context, string, string, float64, int) error { return nil }

func (NoopRecorder) LogArtifact(_ context.Context, _ string, localPath, artifactPath string) (ArtifactInfo, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return ArtifactInfo{}, err
	}
	return ArtifactInfo{Path: artifactPath, SizeBytes: info.Size()}, nil
}

func digestReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
