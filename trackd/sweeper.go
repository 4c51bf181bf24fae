package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/stela-ml/stela-go/internal/platform/auditlog"
)

// runSweeper closes runs that stayed `running` with no activity for
// longer than the TTL, marking them killed. This is the server-side
// answer to an execution environment dying mid-step with a run still
// open: the orphan becomes visible as killed instead of running
// forever. TTL 0 disables the sweeper and leaves orphans open for
// manual inspection.
type runSweeper struct {
	logger   *slog.Logger
	db       *sql.DB
	ttl      time.Duration
	interval time.Duration
	batch    int
}

func startRunSweeper(ctx context.Context, logger *slog.Logger, db *sql.DB, ttl, interval time.Duration) {
	if db == nil || ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	s := &runSweeper{
		logger:   logger,
		db:       db,
		ttl:      ttl,
		interval: interval,
		batch:    50,
	}

	go s.run(ctx)
}

func (s *runSweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *runSweeper) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()
	cutoff := now.Add(-s.ttl)

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT run_id, created_at
		 FROM runs
		 WHERE status = 'running' AND updated_at < $1
		 ORDER BY updated_at ASC
		 LIMIT $2`,
		cutoff,
		s.batch,
	)
	if err != nil {
		s.log("sweep query failed", "error", err)
		return
	}
	defer rows.Close()

	type candidate struct {
		runID     string
		createdAt time.Time
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.runID, &c.createdAt); err != nil {
			s.log("scan candidate failed", "error", err)
			return
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		s.log("sweep rows error", "error", err)
		return
	}

	for _, c := range candidates {
		s.sweepRun(ctx, c.runID, c.createdAt, cutoff, now)
	}
}

func (s *runSweeper) sweepRun(ctx context.Context, runID string, createdAt, cutoff, now time.Time) {
	// A stale parent with a recently active descendant is not abandoned;
	// the whole subtree must be idle before the tree is killed.
	var fresh int
	err := s.db.QueryRowContext(
		ctx,
		`WITH RECURSIVE tree AS (
			SELECT run_id, status, updated_at FROM runs WHERE run_id = $1
			UNION ALL
			SELECT c.run_id, c.status, c.updated_at FROM runs c JOIN tree t ON c.parent_run_id = t.run_id
		)
		SELECT count(*) FROM tree WHERE status = 'running' AND updated_at >= $2`,
		runID,
		cutoff,
	).Scan(&fresh)
	if err != nil {
		s.log("freshness check failed", "run_id", runID, "error", err)
		return
	}
	if fresh > 0 {
		return
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.log("begin tx failed", "run_id", runID, "error", err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = $1 FOR UPDATE`, runID).Scan(&status)
	if err != nil {
		s.log("lock run failed", "run_id", runID, "error", err)
		return
	}
	if status != "running" {
		return
	}

	closed, err := closeRunTree(ctx, tx, runID, "killed", now)
	if err != nil {
		s.log("close run tree failed", "run_id", runID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.log("commit failed", "run_id", runID, "error", err)
		return
	}

	if err := auditlog.InsertRunExpired(ctx, s.db, runID, createdAt, s.ttl); err != nil {
		s.log("audit expired run failed", "run_id", runID, "error", err)
	}
	s.logger.Info("expired stale run",
		"component", "run_sweeper",
		"run_id", runID,
		"closed", len(closed),
		"ttl", s.ttl.String(),
	)
}

func (s *runSweeper) log(msg string, attrs ...any) {
	if s.logger == nil {
		return
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		if key, ok := attrs[i].(string); ok && key == "error" {
			if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
				return
			}
		}
	}
	fields := []any{"component", "run_sweeper"}
	fields = append(fields, attrs...)
	s.logger.Warn(msg, fields...)
}
