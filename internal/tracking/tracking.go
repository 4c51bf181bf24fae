// Package tracking is the dual-mode experiment tracking client.
//
// A Client owns the run lifecycle invariants (nesting, write-once
// parameters, append-only metrics, closed-run rejection) and delegates
// persistence to a Recorder. The HTTP recorder talks to trackd and
// object storage; the no-op recorder accepts every call without network
// I/O. The mode is chosen once at process start, so step code never
// branches on execution context.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/stela-ml/stela-go/internal/platform/objectstore"
)

var (
	ErrRunClosed       = errors.New("tracking: run is closed")
	ErrParamConflict   = errors.New("tracking: parameter already logged with a different value")
	ErrBadArtifactPath = errors.New("tracking: invalid artifact path")
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

// ValidStatus reports whether s is a terminal run status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusKilled:
		return true
	}
	return false
}

// Config is assembled once in main from env and the secret provider.
// Components never read ambient environment themselves.
type Config struct {
	// TrackingURL selects the mode: empty means no-op.
	TrackingURL string
	// Token is a static bearer token for trackd, if any.
	Token string
	// TokenSource, when set, wins over Token (client-credentials flow).
	TokenSource oauth2.TokenSource
	// Author is attached as an "author" tag on root runs.
	Author string
	// S3 is the artifact object-storage target; only consulted in HTTP
	// mode.
	S3 objectstore.Config
}

type Client struct {
	recorder Recorder
	author   string
	logger   *slog.Logger

	mu sync.Mutex
	// open is the stack of open runs, innermost last.
	open []*Run
}

func New(recorder Recorder, logger *slog.Logger) (*Client, error) {
	if recorder == nil {
		return nil, errors.New("tracking: recorder is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{recorder: recorder, logger: logger}, nil
}

// NewFromConfig picks the HTTP recorder iff cfg.TrackingURL is set.
func NewFromConfig(cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.TrackingURL) == "" {
		client, err := New(NewNoop(), logger)
		if err != nil {
			return nil, err
		}
		client.author = strings.TrimSpace(cfg.Author)
		return client, nil
	}

	minioClient, err := objectstore.NewClient(cfg.S3)
	if err != nil {
		return nil, fmt.Errorf("tracking: object store client: %w", err)
	}
	store, err := objectstore.NewMinioStore(minioClient)
	if err != nil {
		return nil, err
	}
	recorder, err := NewHTTPRecorder(HTTPRecorderConfig{
		BaseURL:     cfg.TrackingURL,
		Token:       cfg.Token,
		TokenSource: cfg.TokenSource,
		Store:       store,
		Bucket:      cfg.S3.Bucket,
	})
	if err != nil {
		return nil, err
	}
	client, err := New(recorder, logger)
	if err != nil {
		return nil, err
	}
	client.author = strings.TrimSpace(cfg.Author)
	return client, nil
}

// Mode names the active recorder, for diagnostics.
func (c *Client) Mode() string {
	return c.recorder.Name()
}

// StartRun opens a run. If another run is already open in this client,
// the new run is a child of the innermost open one. Root runs carry the
// configured author as an "author" tag.
func (c *Client) StartRun(ctx context.Context, name string, tags map[string]string) (*Run, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("tracking: run name is required")
	}

	c.mu.Lock()
	var parent *Run
	if len(c.open) > 0 {
		parent = c.open[len(c.open)-1]
	}
	c.mu.Unlock()

	merged := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		merged[k] = v
	}
	if parent == nil && c.author != "" {
		if _, ok := merged["author"]; !ok {
			merged["author"] = c.author
		}
	}

	req := StartRunRequest{Name: name, Tags: merged}
	if parent != nil {
		req.ParentID = parent.id
	}
	handle, err := c.recorder.StartRun(ctx, req)
	if err != nil {
		return nil, err
	}

	run := &Run{
		client: c,
		id:     handle.ID,
		token:  handle.Token,
		name:   name,
		parent: parent,
	}

	c.mu.Lock()
	if parent != nil {
		parent.children = append(parent.children, run)
	}
	c.open = append(c.open, run)
	c.mu.Unlock()
	return run, nil
}

// Close ends every still-open run, outermost first so children are
// ended by their parents' cascade. It is the shutdown safety net.
func (c *Client) Close(ctx context.Context, status Status) error {
	for {
		c.mu.Lock()
		if len(c.open) == 0 {
			c.mu.Unlock()
			return nil
		}
		root := c.open[0]
		c.mu.Unlock()

		if err := root.End(ctx, status); err != nil {
			return err
		}
	}
}

// Run is one open tracking run. All methods reject calls after End with
// ErrRunClosed, identically in HTTP and no-op modes.
type Run struct {
	client *Client
	id     string
	token  string
	name   string
	parent *Run

	// guarded by client.mu
	children []*Run
	params   map[string]string
	closed   bool
}

func (r *Run) ID() string   { return r.id }
func (r *Run) Name() string { return r.name }

// Token is the run-scoped trackd credential minted at start, or "" in
// no-op mode. Step code uses it to log into its own run.
func (r *Run) Token() string { return r.token }

// LogParam records a write-once parameter. Repeating the same value is
// an idempotent success and does not hit the recorder again; a
// different value is ErrParamConflict.
func (r *Run) LogParam(ctx context.Context, name, value string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("tracking: parameter name is required")
	}

	c := r.client
	c.mu.Lock()
	if r.closed {
		c.mu.Unlock()
		return ErrRunClosed
	}
	if prev, ok := r.params[name]; ok {
		c.mu.Unlock()
		if prev == value {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrParamConflict, name)
	}
	c.mu.Unlock()

	if err := c.recorder.LogParam(ctx, r.id, name, value); err != nil {
		return err
	}

	c.mu.Lock()
	if r.params == nil {
		r.params = make(map[string]string)
	}
	r.params[name] = value
	c.mu.Unlock()
	return nil
}

// LogMetric appends one observation to the metric's ordered sequence,
// keyed by the caller's step index. Entries are never overwritten.
func (r *Run) LogMetric(ctx context.Context, name string, value float64, step int) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("tracking: metric name is required")
	}
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.client.recorder.LogMetric(ctx, r.id, name, value, step)
}

// LogArtifact uploads one local file under the run's artifact prefix.
// The destination is a relative path; traversal is rejected.
func (r *Run) LogArtifact(ctx context.Context, localPath, artifactPath string) error {
	cleaned, err := CleanArtifactPath(artifactPath)
	if err != nil {
		return err
	}
	if err := r.checkOpen(); err != nil {
		return err
	}
	_, err = r.client.recorder.LogArtifact(ctx, r.id, localPath, cleaned)
	return err
}

// LogArtifactDir walks localDir and uploads every regular file,
// preserving relative layout under prefix. Uploads run concurrently
// with a bounded group; the first failure cancels the rest.
func (r *Run) LogArtifactDir(ctx context.Context, localDir, prefix string) error {
	if prefix != "" {
		cleaned, err := CleanArtifactPath(prefix)
		if err != nil {
			return err
		}
		prefix = cleaned
	}
	if err := r.checkOpen(); err != nil {
		return err
	}

	type upload struct {
		local string
		dest  string
	}
	var uploads []upload
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		dest := filepath.ToSlash(rel)
		if prefix != "" {
			dest = path.Join(prefix, dest)
		}
		uploads = append(uploads, upload{local: p, dest: dest})
		return nil
	})
	if err != nil {
		return fmt.Errorf("tracking: walk %s: %w", localDir, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, u := range uploads {
		g.Go(func() error {
			_, err := r.client.recorder.LogArtifact(gctx, r.id, u.local, u.dest)
			if err != nil {
				return fmt.Errorf("artifact %s: %w", u.dest, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// End closes the run, ending still-open children first (depth-first).
// Ending an already-closed run is a no-op success.
func (r *Run) End(ctx context.Context, status Status) error {
	if !ValidStatus(status) {
		return fmt.Errorf("tracking: invalid run status %q", status)
	}

	c := r.client
	c.mu.Lock()
	if r.closed {
		c.mu.Unlock()
		return nil
	}
	toClose := r.collectOpenLocked()
	for _, run := range toClose {
		run.closed = true
	}
	c.removeOpenLocked(toClose)
	c.mu.Unlock()

	// Children first so the server never sees an open child of a closed
	// parent from this client.
	var firstErr error
	for _, run := range toClose {
		if err := c.recorder.EndRun(ctx, run.id, status); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// collectOpenLocked returns the run's open subtree, deepest first, the
// run itself last. Caller holds client.mu.
func (r *Run) collectOpenLocked() []*Run {
	var out []*Run
	for _, child := range r.children {
		if !child.closed {
			out = append(out, child.collectOpenLocked()...)
		}
	}
	return append(out, r)
}

func (r *Run) checkOpen() error {
	r.client.mu.Lock()
	defer r.client.mu.Unlock()
	if r.closed {
		return ErrRunClosed
	}
	return nil
}

func (c *Client) removeOpenLocked(closed []*Run) {
	kept := c.open[:0]
	for _, run := range c.open {
		removed := false
		for _, cl := range closed {
			if run == cl {
				removed = true
				break
			}
		}
		if !removed {
			kept = append(kept, run)
		}
	}
	c.open = kept
}

// CleanArtifactPath validates a destination path: relative, slash
// separated, no traversal. Returns the cleaned form.
func CleanArtifactPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: empty path", ErrBadArtifactPath)
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", fmt.Errorf("%w: %q", ErrBadArtifactPath, p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrBadArtifactPath, p)
	}
	return cleaned, nil
}

// hashFile is shared by the recorders: sha256 and size of a local file.
func hashFile(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return digestReader(f)
}
