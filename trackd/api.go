package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stela-ml/stela-go/internal/platform/auth"
	"github.com/stela-ml/stela-go/internal/platform/lineage"
	"github.com/stela-ml/stela-go/internal/platform/objectstore"
	"github.com/stela-ml/stela-go/internal/tracking"
)

type trackdAPI struct {
	logger   *slog.Logger
	db       *sql.DB
	store    objectstore.Store
	storeCfg objectstore.Config

	runTokenSecret string
	runTokenTTL    time.Duration
	presignTTL     time.Duration

	now func() time.Time
}

func newTrackdAPI(logger *slog.Logger, db *sql.DB, store objectstore.Store, storeCfg objectstore.Config, runTokenSecret string, runTokenTTL time.Duration) *trackdAPI {
	return &trackdAPI{
		logger:         logger,
		db:             db,
		store:          store,
		storeCfg:       storeCfg,
		runTokenSecret: strings.TrimSpace(runTokenSecret),
		runTokenTTL:    runTokenTTL,
		presignTTL:     15 * time.Minute,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (api *trackdAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/runs", api.handleStartRun)
	mux.HandleFunc("GET /api/runs", api.handleListRuns)
	mux.HandleFunc("GET /api/runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /api/runs/{run_id}/end", api.handleEndRun)
	mux.HandleFunc("POST /api/runs/{run_id}/params", api.handleLogParam)
	mux.HandleFunc("POST /api/runs/{run_id}/metrics", api.handleLogMetric)
	mux.HandleFunc("POST /api/runs/{run_id}/artifacts", api.handleRegisterArtifact)
	mux.HandleFunc("GET /api/runs/{run_id}/artifacts/url", api.handleArtifactURL)
	mux.HandleFunc("GET /api/runs/{run_id}/lineage", api.handleRunLineage)
}

type runDocument struct {
	RunID     string            `json:"run_id"`
	ParentID  string            `json:"parent_run_id,omitempty"`
	Name      string            `json:"name"`
	Status    string            `json:"status"`
	Tags      map[string]string `json:"tags"`
	CreatedAt time.Time         `json:"created_at"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
}

type startRunRequest struct {
	Name     string            `json:"name"`
	ParentID string            `json:"parent_id,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

func (api *trackdAPI) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, r, http.StatusBadRequest, "name_required", "run name is required")
		return
	}
	parentID := strings.TrimSpace(req.ParentID)

	// A run token may only open children of its own run.
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if tokenRunID, isRunToken := auth.ParseRunSubject(identity.Subject); isRunToken && tokenRunID != parentID {
			writeError(w, r, http.StatusForbidden, "forbidden", "run token may only start children of its own run")
			return
		}
	}

	tags := req.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	for k := range tags {
		if strings.TrimSpace(k) == "" {
			writeError(w, r, http.StatusBadRequest, "invalid_tags", "tag keys must be non-empty")
			return
		}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_tags", "tags are not encodable")
		return
	}

	now := api.now()
	runID := uuid.NewString()

	tx, err := api.db.BeginTx(r.Context(), nil)
	if err != nil {
		api.internalError(w, r, "begin tx", err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	var parentArg sql.NullString
	if parentID != "" {
		var parentStatus string
		err := tx.QueryRowContext(
			r.Context(),
			`SELECT status FROM runs WHERE run_id = $1 FOR UPDATE`,
			parentID,
		).Scan(&parentStatus)
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, r, http.StatusNotFound, "parent_not_found", "parent run does not exist")
			return
		}
		if err != nil {
			api.internalError(w, r, "lookup parent", err)
			return
		}
		if parentStatus != "running" {
			writeError(w, r, http.StatusConflict, "parent_closed", "parent run is closed")
			return
		}
		parentArg = sql.NullString{String: parentID, Valid: true}
	}

	_, err = tx.ExecContext(
		r.Context(),
		`INSERT INTO runs (run_id, parent_run_id, name, status, tags, created_at, updated_at)
		 VALUES ($1,$2,$3,'running',$4,$5,$5)`,
		runID,
		parentArg,
		name,
		tagsJSON,
		now,
	)
	if err != nil {
		api.internalError(w, r, "insert run", err)
		return
	}

	if parentID != "" {
		// Activity on a parent: a new child keeps it off the sweeper's list.
		if _, err := tx.ExecContext(r.Context(), `UPDATE runs SET updated_at = $2 WHERE run_id = $1`, parentID, now); err != nil {
			api.internalError(w, r, "touch parent", err)
			return
		}
		_, err = lineage.Insert(r.Context(), tx, lineage.Event{
			OccurredAt:  now,
			Actor:       actorFromContext(r),
			RequestID:   r.Header.Get("X-Request-Id"),
			SubjectType: lineage.TypeRun,
			SubjectID:   parentID,
			Predicate:   lineage.PredicateSpawned,
			ObjectType:  lineage.TypeRun,
			ObjectID:    runID,
			Metadata:    map[string]any{"name": name},
		})
		if err != nil {
			api.internalError(w, r, "insert lineage", err)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		api.internalError(w, r, "commit", err)
		return
	}

	doc := runDocument{
		RunID:     runID,
		ParentID:  parentID,
		Name:      name,
		Status:    "running",
		Tags:      tags,
		CreatedAt: now,
	}
	body := map[string]any{"run": doc}
	if api.runTokenSecret != "" {
		token, err := auth.GenerateRunToken(api.runTokenSecret, auth.RunTokenClaims{
			RunID:         runID,
			ExpiresAtUnix: now.Add(api.runTokenTTL).Unix(),
		}, now)
		if err != nil {
			api.internalError(w, r, "mint run token", err)
			return
		}
		body["run_token"] = token
	}

	w.Header().Set("Location", "/api/runs/"+runID)
	writeJSON(w, http.StatusCreated, body)
}

type endRunRequest struct {
	Status string `json:"status"`
}

func (api *trackdAPI) handleEndRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if !runScopeAllowed(r, runID) {
		writeError(w, r, http.StatusForbidden, "forbidden", "run token does not match run")
		return
	}

	var req endRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	status := tracking.Status(strings.TrimSpace(req.Status))
	if !tracking.ValidStatus(status) {
		writeError(w, r, http.StatusBadRequest, "invalid_status", "status must be succeeded, failed, or killed")
		return
	}

	now := api.now()
	tx, err := api.db.BeginTx(r.Context(), nil)
	if err != nil {
		api.internalError(w, r, "begin tx", err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(r.Context(), `SELECT status FROM runs WHERE run_id = $1 FOR UPDATE`, runID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, "not_found", "run does not exist")
		return
	}
	if err != nil {
		api.internalError(w, r, "lookup run", err)
		return
	}

	closed := []string{}
	if current == "running" {
		closed, err = closeRunTree(r.Context(), tx, runID, string(status), now)
		if err != nil {
			api.internalError(w, r, "close run tree", err)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		api.internalError(w, r, "commit", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"status": string(status),
		"closed": closed,
	})
}

// closeRunTree ends a run and every still-open descendant in one
// statement; the ids of the runs actually closed come back. Already
// closed runs in the subtree keep their status.
func closeRunTree(ctx context.Context, tx *sql.Tx, runID, status string, now time.Time) ([]string, error) {
	rows, err := tx.QueryContext(
		ctx,
		`WITH RECURSIVE tree AS (
			SELECT run_id FROM runs WHERE run_id = $1
			UNION ALL
			SELECT c.run_id FROM runs c JOIN tree t ON c.parent_run_id = t.run_id
		)
		UPDATE runs
		SET status = $2, ended_at = $3, updated_at = $3
		WHERE run_id IN (SELECT run_id FROM tree) AND status = 'running'
		RETURNING run_id`,
		runID,
		status,
		now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var closed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		closed = append(closed, id)
	}
	return closed, rows.Err()
}

type logParamRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (api *trackdAPI) handleLogParam(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if !runScopeAllowed(r, runID) {
		writeError(w, r, http.StatusForbidden, "forbidden", "run token does not match run")
		return
	}

	var req logParamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, r, http.StatusBadRequest, "name_required", "parameter name is required")
		return
	}

	now := api.now()
	tx, err := api.db.BeginTx(r.Context(), nil)
	if err != nil {
		api.internalError(w, r, "begin tx", err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	if !api.lockOpenRun(w, r, tx, runID) {
		return
	}

	res, err := tx.ExecContext(
		r.Context(),
		`INSERT INTO run_params (run_id, name, value, created_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (run_id, name) DO NOTHING`,
		runID,
		name,
		req.Value,
		now,
	)
	if err != nil {
		api.internalError(w, r, "insert param", err)
		return
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		api.internalError(w, r, "insert param", err)
		return
	}
	if inserted == 0 {
		var existing string
		if err := tx.QueryRowContext(r.Context(), `SELECT value FROM run_params WHERE run_id = $1 AND name = $2`, runID, name).Scan(&existing); err != nil {
			api.internalError(w, r, "read param", err)
			return
		}
		if existing != req.Value {
			writeError(w, r, http.StatusConflict, "param_conflict", "parameter "+name+" already logged with a different value")
			return
		}
		// Same value again: idempotent success.
	}

	if _, err := tx.ExecContext(r.Context(), `UPDATE runs SET updated_at = $2 WHERE run_id = $1`, runID, now); err != nil {
		api.internalError(w, r, "touch run", err)
		return
	}
	if err := tx.Commit(); err != nil {
		api.internalError(w, r, "commit", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type logMetricRequest struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Step  int     `json:"step"`
}

func (api *trackdAPI) handleLogMetric(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if !runScopeAllowed(r, runID) {
		writeError(w, r, http.StatusForbidden, "forbidden", "run token does not match run")
		return
	}

	var req logMetricRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, r, http.StatusBadRequest, "name_required", "metric name is required")
		return
	}
	if req.Step < 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_step", "step must be >= 0")
		return
	}

	now := api.now()
	tx, err := api.db.BeginTx(r.Context(), nil)
	if err != nil {
		api.internalError(w, r, "begin tx", err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	if !api.lockOpenRun(w, r, tx, runID) {
		return
	}

	_, err = tx.ExecContext(
		r.Context(),
		`INSERT INTO run_metrics (run_id, name, value, step, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		runID,
		name,
		req.Value,
		req.Step,
		now,
	)
	if err != nil {
		api.internalError(w, r, "insert metric", err)
		return
	}
	if _, err := tx.ExecContext(r.Context(), `UPDATE runs SET updated_at = $2 WHERE run_id = $1`, runID, now); err != nil {
		api.internalError(w, r, "touch run", err)
		return
	}
	if err := tx.Commit(); err != nil {
		api.internalError(w, r, "commit", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerArtifactRequest struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

type artifactDocument struct {
	ArtifactID string    `json:"artifact_id"`
	RunID      string    `json:"run_id"`
	Path       string    `json:"path"`
	SizeBytes  int64     `json:"size_bytes"`
	SHA256     string    `json:"sha256"`
	CreatedAt  time.Time `json:"created_at"`
}

func (api *trackdAPI) handleRegisterArtifact(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if !runScopeAllowed(r, runID) {
		writeError(w, r, http.StatusForbidden, "forbidden", "run token does not match run")
		return
	}

	var req registerArtifactRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	cleanPath, err := tracking.CleanArtifactPath(req.Path)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_path", "artifact path must be relative without traversal")
		return
	}
	if req.SizeBytes < 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_size", "size_bytes must be >= 0")
		return
	}
	sha := strings.ToLower(strings.TrimSpace(req.SHA256))
	if len(sha) != 64 {
		writeError(w, r, http.StatusBadRequest, "invalid_sha256", "sha256 must be a 64-char hex digest")
		return
	}

	now := api.now()
	artifactID := uuid.NewString()
	objectKey := tracking.ArtifactObjectKey(runID, cleanPath)

	tx, err := api.db.BeginTx(r.Context(), nil)
	if err != nil {
		api.internalError(w, r, "begin tx", err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	if !api.lockOpenRun(w, r, tx, runID) {
		return
	}

	res, err := tx.ExecContext(
		r.Context(),
		`INSERT INTO run_artifacts (artifact_id, run_id, path, size_bytes, sha256, object_key, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (run_id, path) DO NOTHING`,
		artifactID,
		runID,
		cleanPath,
		req.SizeBytes,
		sha,
		objectKey,
		now,
	)
	if err != nil {
		api.internalError(w, r, "insert artifact", err)
		return
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		api.internalError(w, r, "insert artifact", err)
		return
	}

	if inserted == 0 {
		var existing artifactDocument
		err := tx.QueryRowContext(
			r.Context(),
			`SELECT artifact_id, size_bytes, sha256, created_at FROM run_artifacts WHERE run_id = $1 AND path = $2`,
			runID,
			cleanPath,
		).Scan(&existing.ArtifactID, &existing.SizeBytes, &existing.SHA256, &existing.CreatedAt)
		if err != nil {
			api.internalError(w, r, "read artifact", err)
			return
		}
		if existing.SHA256 != sha {
			writeError(w, r, http.StatusConflict, "artifact_conflict", "artifact "+cleanPath+" already registered with different content")
			return
		}
		if err := tx.Commit(); err != nil {
			api.internalError(w, r, "commit", err)
			return
		}
		existing.RunID = runID
		existing.Path = cleanPath
		writeJSON(w, http.StatusOK, existing)
		return
	}

	_, err = lineage.Insert(r.Context(), tx, lineage.Event{
		OccurredAt:  now,
		Actor:       actorFromContext(r),
		RequestID:   r.Header.Get("X-Request-Id"),
		SubjectType: lineage.TypeRun,
		SubjectID:   runID,
		Predicate:   lineage.PredicateProduced,
		ObjectType:  lineage.TypeArtifact,
		ObjectID:    artifactID,
		Metadata:    map[string]any{"path": cleanPath, "sha256": sha, "size_bytes": req.SizeBytes},
	})
	if err != nil {
		api.internalError(w, r, "insert lineage", err)
		return
	}

	if _, err := tx.ExecContext(r.Context(), `UPDATE runs SET updated_at = $2 WHERE run_id = $1`, runID, now); err != nil {
		api.internalError(w, r, "touch run", err)
		return
	}
	if err := tx.Commit(); err != nil {
		api.internalError(w, r, "commit", err)
		return
	}

	writeJSON(w, http.StatusCreated, artifactDocument{
		ArtifactID: artifactID,
		RunID:      runID,
		Path:       cleanPath,
		SizeBytes:  req.SizeBytes,
		SHA256:     sha,
		CreatedAt:  now,
	})
}

type metricPoint struct {
	Value float64 `json:"value"`
	Step  int     `json:"step"`
}

func (api *trackdAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if !runScopeAllowed(r, runID) {
		writeError(w, r, http.StatusForbidden, "forbidden", "run token does not match run")
		return
	}

	doc, ok := api.loadRun(w, r, runID)
	if !ok {
		return
	}

	params := map[string]string{}
	rows, err := api.db.QueryContext(r.Context(), `SELECT name, value FROM run_params WHERE run_id = $1 ORDER BY name`, runID)
	if err != nil {
		api.internalError(w, r, "list params", err)
		return
	}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			rows.Close()
			api.internalError(w, r, "scan param", err)
			return
		}
		params[name] = value
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		api.internalError(w, r, "list params", err)
		return
	}

	// Metric sequences keep strict insertion order per name.
	metrics := map[string][]metricPoint{}
	rows, err = api.db.QueryContext(r.Context(), `SELECT name, value, step FROM run_metrics WHERE run_id = $1 ORDER BY seq ASC`, runID)
	if err != nil {
		api.internalError(w, r, "list metrics", err)
		return
	}
	for rows.Next() {
		var name string
		var point metricPoint
		if err := rows.Scan(&name, &point.Value, &point.Step); err != nil {
			rows.Close()
			api.internalError(w, r, "scan metric", err)
			return
		}
		metrics[name] = append(metrics[name], point)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		api.internalError(w, r, "list metrics", err)
		return
	}

	var artifacts []artifactDocument
	rows, err = api.db.QueryContext(
		r.Context(),
		`SELECT artifact_id, path, size_bytes, sha256, created_at FROM run_artifacts WHERE run_id = $1 ORDER BY path`,
		runID,
	)
	if err != nil {
		api.internalError(w, r, "list artifacts", err)
		return
	}
	for rows.Next() {
		doc := artifactDocument{RunID: runID}
		if err := rows.Scan(&doc.ArtifactID, &doc.Path, &doc.SizeBytes, &doc.SHA256, &doc.CreatedAt); err != nil {
			rows.Close()
			api.internalError(w, r, "scan artifact", err)
			return
		}
		artifacts = append(artifacts, doc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		api.internalError(w, r, "list artifacts", err)
		return
	}

	var children []string
	rows, err = api.db.QueryContext(r.Context(), `SELECT run_id FROM runs WHERE parent_run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		api.internalError(w, r, "list children", err)
		return
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			api.internalError(w, r, "scan child", err)
			return
		}
		children = append(children, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		api.internalError(w, r, "list children", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":       doc,
		"params":    params,
		"metrics":   metrics,
		"artifacts": artifacts,
		"children":  children,
	})
}

func (api *trackdAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(parseIntQuery(r, "limit", 50), 1, 200)
	offset := clampInt(parseIntQuery(r, "offset", 0), 0, 1<<30)
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	if status != "" && status != "running" && !tracking.ValidStatus(tracking.Status(status)) {
		writeError(w, r, http.StatusBadRequest, "invalid_status", "unknown run status filter")
		return
	}

	query := `SELECT run_id, COALESCE(parent_run_id::text,''), name, status, tags, created_at, ended_at
	          FROM runs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if status != "" {
		query += ` LIMIT $2 OFFSET $3`
	} else {
		query += ` LIMIT $1 OFFSET $2`
	}
	args = append(args, limit, offset)

	rows, err := api.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		api.internalError(w, r, "list runs", err)
		return
	}
	defer rows.Close()

	runs := make([]runDocument, 0, limit)
	for rows.Next() {
		doc, err := scanRunDocument(rows)
		if err != nil {
			api.internalError(w, r, "scan run", err)
			return
		}
		runs = append(runs, doc)
	}
	if err := rows.Err(); err != nil {
		api.internalError(w, r, "list runs", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":   runs,
		"limit":  limit,
		"offset": offset,
	})
}

func (api *trackdAPI) handleArtifactURL(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if !runScopeAllowed(r, runID) {
		writeError(w, r, http.StatusForbidden, "forbidden", "run token does not match run")
		return
	}
	cleanPath, err := tracking.CleanArtifactPath(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_path", "artifact path must be relative without traversal")
		return
	}

	var objectKey string
	err = api.db.QueryRowContext(
		r.Context(),
		`SELECT object_key FROM run_artifacts WHERE run_id = $1 AND path = $2`,
		runID,
		cleanPath,
	).Scan(&objectKey)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, "not_found", "artifact is not registered for this run")
		return
	}
	if err != nil {
		api.internalError(w, r, "lookup artifact", err)
		return
	}

	url, err := api.store.PresignGet(r.Context(), api.storeCfg.Bucket, objectKey, api.presignTTL)
	if err != nil {
		api.internalError(w, r, "presign artifact", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":                url,
		"expires_in_seconds": int(api.presignTTL.Seconds()),
	})
}

func (api *trackdAPI) handleRunLineage(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if !runScopeAllowed(r, runID) {
		writeError(w, r, http.StatusForbidden, "forbidden", "run token does not match run")
		return
	}
	if _, ok := api.loadRun(w, r, runID); !ok {
		return
	}

	limit := clampInt(parseIntQuery(r, "limit", 200), 1, 500)
	events, err := lineage.ListForEntity(r.Context(), api.db, runID, limit)
	if err != nil {
		api.internalError(w, r, "list lineage", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// lockOpenRun locks the run row for the transaction and writes the 404
// or 409 run_closed response itself when the run is missing or closed.
func (api *trackdAPI) lockOpenRun(w http.ResponseWriter, r *http.Request, tx *sql.Tx, runID string) bool {
	var status string
	err := tx.QueryRowContext(r.Context(), `SELECT status FROM runs WHERE run_id = $1 FOR UPDATE`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, "not_found", "run does not exist")
		return false
	}
	if err != nil {
		api.internalError(w, r, "lookup run", err)
		return false
	}
	if status != "running" {
		writeError(w, r, http.StatusConflict, "run_closed", "run is closed")
		return false
	}
	return true
}

func (api *trackdAPI) loadRun(w http.ResponseWriter, r *http.Request, runID string) (runDocument, bool) {
	row := api.db.QueryRowContext(
		r.Context(),
		`SELECT run_id, COALESCE(parent_run_id::text,''), name, status, tags, created_at, ended_at
		 FROM runs WHERE run_id = $1`,
		runID,
	)
	doc, err := scanRunDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, "not_found", "run does not exist")
		return runDocument{}, false
	}
	if err != nil {
		api.internalError(w, r, "load run", err)
		return runDocument{}, false
	}
	return doc, true
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunDocument(row rowScanner) (runDocument, error) {
	var doc runDocument
	var tagsJSON []byte
	var endedAt sql.NullTime
	if err := row.Scan(&doc.RunID, &doc.ParentID, &doc.Name, &doc.Status, &tagsJSON, &doc.CreatedAt, &endedAt); err != nil {
		return runDocument{}, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		doc.EndedAt = &t
	}
	doc.Tags = map[string]string{}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &doc.Tags); err != nil {
			return runDocument{}, err
		}
	}
	return doc, nil
}

func actorFromContext(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && strings.TrimSpace(identity.Subject) != "" {
		return identity.Subject
	}
	return "anonymous"
}

func (api *trackdAPI) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	api.logger.Error("trackd api failure",
		"op", op,
		"request_id", r.Header.Get("X-Request-Id"),
		"path", r.URL.Path,
		"error", err,
	)
	writeError(w, r, http.StatusInternalServerError, "internal", "internal server error")
}
