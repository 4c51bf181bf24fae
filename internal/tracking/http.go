package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/stela-ml/stela-go/internal/platform/objectstore"
)

type HTTPRecorderConfig struct {
	BaseURL string
	// Token is a static bearer credential; TokenSource wins when both
	// are set. Run-scoped calls prefer the run token minted at start.
	Token       string
	TokenSource oauth2.TokenSource
	// Store and Bucket receive the artifact blobs; metadata goes to the
	// server.
	Store  objectstore.Store
	Bucket string

	HTTPClient *http.Client
}

// HTTPRecorder talks to trackd over JSON and uploads artifact blobs to
// object storage directly. A logging failure is returned to the caller
// and never touches data already on the shared volume.
type HTTPRecorder struct {
	baseURL     string
	token       string
	tokenSource oauth2.TokenSource
	store       objectstore.Store
	bucket      string
	http        *http.Client

	mu        sync.Mutex
	runTokens map[string]string
}

func NewHTTPRecorder(cfg HTTPRecorderConfig) (*HTTPRecorder, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("tracking: base URL is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("tracking: artifact store is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("tracking: artifact bucket is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPRecorder{
		baseURL:     baseURL,
		token:       strings.TrimSpace(cfg.Token),
		tokenSource: cfg.TokenSource,
		store:       cfg.Store,
		bucket:      cfg.Bucket,
		http:        httpClient,
		runTokens:   make(map[string]string),
	}, nil
}

func (r *HTTPRecorder) Name() string { return "http" }

type runDocument struct {
	RunID    string `json:"run_id"`
	ParentID string `json:"parent_run_id,omitempty"`
	Name     string `json:"name"`
	Status   string `json:"status"`
}

type startRunResponse struct {
	Run      runDocument `json:"run"`
	RunToken string      `json:"run_token,omitempty"`
}

func (r *HTTPRecorder) StartRun(ctx context.Context, req StartRunRequest) (RunHandle, error) {
	body := map[string]any{"name": req.Name}
	if req.ParentID != "" {
		body["parent_id"] = req.ParentID
	}
	if len(req.Tags) > 0 {
		body["tags"] = req.Tags
	}

	var resp startRunResponse
	if err := r.postJSON(ctx, "", "/api/runs", body, &resp); err != nil {
		return RunHandle{}, err
	}
	if resp.Run.RunID == "" {
		return RunHandle{}, errors.New("tracking: server returned no run id")
	}

	if resp.RunToken != "" {
		r.mu.Lock()
		r.runTokens[resp.Run.RunID] = resp.RunToken
		r.mu.Unlock()
	}
	return RunHandle{ID: resp.Run.RunID, Token: resp.RunToken}, nil
}

func (r *HTTPRecorder) EndRun(ctx context.Context, runID string, status Status) error {
	err := r.postJSON(ctx, runID, "/api/runs/"+runID+"/end", map[string]any{
		"status": string(status),
	}, nil)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.runTokens, runID)
	r.mu.Unlock()
	return nil
}

func (r *HTTPRecorder) LogParam(ctx context.Context, runID, name, value string) error {
	return r.postJSON(ctx, runID, "/api/runs/"+runID+"/params", map[string]any{
		"name":  name,
		"value": value,
	}, nil)
}

func (r *HTTPRecorder) LogMetric(ctx context.Context, runID, name string, value float64, step int) error {
	return r.postJSON(ctx, runID, "/api/runs/"+runID+"/metrics", map[string]any{
		"name":  name,
		"value": value,
		"step":  step,
	}, nil)
}

// LogArtifact uploads the blob under runs/<id>/artifacts/<path>, then
// mirrors {path, size, sha256} to the server.
func (r *HTTPRecorder) LogArtifact(ctx context.Context, runID, localPath, artifactPath string) (ArtifactInfo, error) {
	sha, size, err := hashFile(localPath)
	if err != nil {
		return ArtifactInfo{}, fmt.Errorf("tracking: read artifact %s: %w", localPath, err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return ArtifactInfo{}, fmt.Errorf("tracking: read artifact %s: %w", localPath, err)
	}
	defer f.Close()

	key := ArtifactObjectKey(runID, artifactPath)
	if _, err := r.store.Put(ctx, r.bucket, key, f, size, "application/octet-stream"); err != nil {
		return ArtifactInfo{}, fmt.Errorf("tracking: upload artifact %s: %w", artifactPath, err)
	}

	err = r.postJSON(ctx, runID, "/api/runs/"+runID+"/artifacts", map[string]any{
		"path":       artifactPath,
		"size_bytes": size,
		"sha256":     sha,
	}, nil)
	if err != nil {
		return ArtifactInfo{}, err
	}
	return ArtifactInfo{Path: artifactPath, SizeBytes: size, SHA256: sha}, nil
}

// ArtifactObjectKey is the storage layout for run artifacts, shared
// with trackd's presign endpoint.
func ArtifactObjectKey(runID, artifactPath string) string {
	return "runs/" + runID + "/artifacts/" + artifactPath
}

type apiErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r *HTTPRecorder) postJSON(ctx context.Context, runID, path string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if err := r.authorize(req, runID); err != nil {
		return err
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("tracking: POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("tracking: POST %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(path, resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// authorize prefers the run-scoped token when one exists for runID,
// then the token source, then the static token.
func (r *HTTPRecorder) authorize(req *http.Request, runID string) error {
	if runID != "" {
		r.mu.Lock()
		token, ok := r.runTokens[runID]
		r.mu.Unlock()
		if ok {
			req.Header.Set("Authorization", "Bearer "+token)
			return nil
		}
	}
	if r.tokenSource != nil {
		token, err := r.tokenSource.Token()
		if err != nil {
			return fmt.Errorf("tracking: token source: %w", err)
		}
		token.SetAuthHeader(req)
		return nil
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	return nil
}

// responseError maps the server's conflict codes back onto the client
// sentinels so both modes surface identical errors.
func responseError(path string, status int, body []byte) error {
	var parsed apiErrorBody
	code := ""
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Code != "" {
		code = parsed.Error.Code
		message = parsed.Error.Message
	}
	switch code {
	case "run_closed":
		return ErrRunClosed
	case "param_conflict":
		return fmt.Errorf("%w: %s", ErrParamConflict, message)
	}
	if code != "" {
		return fmt.Errorf("tracking: POST %s: status=%d code=%s %s", path, status, code, message)
	}
	return fmt.Errorf("tracking: POST %s: status=%d %s", path, status, message)
}
