package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/stela-ml/stela-go/internal/domain"
	"github.com/stela-ml/stela-go/internal/executor"
	"github.com/stela-ml/stela-go/internal/tracking"
)

const (
	envStepRunID = "STELA_STEP_RUN_ID"
	envRunToken  = "STELA_RUN_TOKEN"
)

// trackingHooks opens a child tracking run per pipeline step and closes
// it when the step finishes, recording step timing and declared
// artifacts. Tracking failures never fail the pipeline: they are logged
// and the step goes on without a run.
//
// baseEnv is the same map handed to the executor as RunEnv.BaseEnv, so
// values set here appear in the step's environment and are gone again
// for the next step.
type trackingHooks struct {
	client  *tracking.Client
	logger  *slog.Logger
	dataDir string
	baseEnv map[string]string

	mu      sync.Mutex
	current *tracking.Run
}

func (h *trackingHooks) StepStarted(ctx context.Context, pipeline string, index int, step domain.Step) {
	tags := map[string]string{
		"pipeline": pipeline,
		"step":     strconv.Itoa(index),
	}
	if step.Image != "" {
		tags["image"] = step.Image
	}

	run, err := h.client.StartRun(ctx, step.Name, tags)
	if err != nil {
		h.logger.Warn("step tracking run not started",
			"pipeline", pipeline,
			"step", step.Name,
			"error", err,
		)
		return
	}

	h.mu.Lock()
	h.current = run
	h.mu.Unlock()

	h.baseEnv[envStepRunID] = run.ID()
	if token := run.Token(); token != "" {
		h.baseEnv[envRunToken] = token
	}
}

func (h *trackingHooks) StepFinished(ctx context.Context, pipeline string, index int, step domain.Step, result executor.StepResult) {
	delete(h.baseEnv, envStepRunID)
	delete(h.baseEnv, envRunToken)

	h.mu.Lock()
	run := h.current
	h.current = nil
	h.mu.Unlock()
	if run == nil {
		return
	}

	if err := run.LogMetric(ctx, "duration_seconds", result.Duration.Seconds(), index); err != nil {
		h.warn(pipeline, step.Name, "log duration", err)
	}
	if err := run.LogMetric(ctx, "exit_code", float64(result.ExitCode), index); err != nil {
		h.warn(pipeline, step.Name, "log exit code", err)
	}

	if result.Status == executor.StatusSucceeded {
		h.uploadArtifacts(ctx, pipeline, step, run)
	}

	status := tracking.StatusSucceeded
	if result.Status == executor.StatusFailed {
		status = tracking.StatusFailed
	}
	if err := run.End(ctx, status); err != nil {
		h.warn(pipeline, step.Name, "end step run", err)
	}
}

// uploadArtifacts pushes the step's declared artifact paths out of the
// shared data directory. A declared path may be a single file or a
// directory tree.
func (h *trackingHooks) uploadArtifacts(ctx context.Context, pipeline string, step domain.Step, run *tracking.Run) {
	for _, artifact := range step.Artifacts {
		local := filepath.Join(h.dataDir, filepath.FromSlash(artifact))
		info, err := os.Stat(local)
		if err != nil {
			h.warn(pipeline, step.Name, "stat artifact "+artifact, err)
			continue
		}
		if info.IsDir() {
			err = run.LogArtifactDir(ctx, local, artifact)
		} else {
			err = run.LogArtifact(ctx, local, artifact)
		}
		if err != nil {
			h.warn(pipeline, step.Name, "upload artifact "+artifact, err)
		}
	}
}

func (h *trackingHooks) warn(pipeline, step, op string, err error) {
	h.logger.Warn("step tracking failure",
		"pipeline", pipeline,
		"step", step,
		"op", op,
		"error", err,
	)
}
