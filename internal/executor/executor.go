// Package executor runs a pipeline's steps in declared order inside
// isolated environments, merging configuration and secrets into each
// step's environment and aborting the remainder on first failure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stela-ml/stela-go/internal/domain"
	"github.com/stela-ml/stela-go/internal/secrets"
)

// ModuleMountPath is where ModuleRoot appears inside docker steps.
const ModuleMountPath = "/opt/stela/module"

const (
	envDataDir    = "STELA_DATA_DIR"
	envRunID      = "STELA_RUN_ID"
	envModuleRoot = "STELA_MODULE_ROOT"
)

type Executor struct {
	runtime Runtime
	secrets secrets.Provider
	hooks   Hooks
	logger  *slog.Logger
}

func New(runtime Runtime, provider secrets.Provider, hooks Hooks, logger *slog.Logger) (*Executor, error) {
	if runtime == nil {
		return nil, errors.New("runtime is required")
	}
	if hooks == nil {
		hooks = noopHooks{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{
		runtime: runtime,
		secrets: provider,
		hooks:   hooks,
		logger:  logger,
	}, nil
}

// Run executes the pipeline. A non-nil error means the pipeline was
// refused before any step ran (a configuration error); a step failure
// is reported through Result with a nil error.
func (e *Executor) Run(ctx context.Context, pipeline domain.Pipeline, env RunEnv) (Result, error) {
	if strings.TrimSpace(env.RunID) == "" {
		return Result{}, errors.New("run id is required")
	}
	if strings.TrimSpace(env.DataDir) == "" {
		return Result{}, errors.New("data dir is required")
	}
	if len(pipeline.Steps) == 0 {
		return Result{}, fmt.Errorf("pipeline %q has no steps", pipeline.Name)
	}

	if err := e.preflightSecrets(ctx, pipeline); err != nil {
		return Result{}, err
	}

	result := Result{
		Pipeline: pipeline.Name,
		Status:   StatusSucceeded,
		Steps:    make([]StepResult, 0, len(pipeline.Steps)),
	}

	for i, step := range pipeline.Steps {
		if result.Status == StatusFailed {
			result.Steps = append(result.Steps, StepResult{
				Name:          step.Name,
				Status:        StatusSkipped,
				FailedCommand: -1,
			})
			continue
		}

		e.hooks.StepStarted(ctx, pipeline.Name, i, step)
		e.logger.Info("step started",
			"pipeline", pipeline.Name,
			"step", step.Name,
			"index", i,
		)

		stepResult := e.runStep(ctx, pipeline, env, i, step)

		e.hooks.StepFinished(ctx, pipeline.Name, i, step, stepResult)
		if stepResult.Status == StatusFailed {
			result.Status = StatusFailed
			e.logger.Warn("step failed",
				"pipeline", pipeline.Name,
				"step", step.Name,
				"index", i,
				"exit_code", stepResult.ExitCode,
				"command_index", stepResult.FailedCommand,
				"error", errText(stepResult.Err),
			)
		} else {
			e.logger.Info("step finished",
				"pipeline", pipeline.Name,
				"step", step.Name,
				"index", i,
				"duration_ms", stepResult.Duration.Milliseconds(),
			)
		}
		result.Steps = append(result.Steps, stepResult)
	}

	e.logger.Info("pipeline finished",
		"pipeline", pipeline.Name,
		"run_id", env.RunID,
		"status", string(result.Status),
	)
	return result, nil
}

// preflightSecrets checks that every declared secret binding resolves
// before the first step runs. Values are discarded; each step resolves
// its own bindings fresh at step start.
func (e *Executor) preflightSecrets(ctx context.Context, pipeline domain.Pipeline) error {
	for _, step := range pipeline.Steps {
		for _, envName := range sortedKeys(step.Secrets) {
			key := step.Secrets[envName]
			if e.secrets == nil {
				return fmt.Errorf("step %q binds secret %q but no secret provider is configured", step.Name, key)
			}
			if _, err := e.secrets.Get(ctx, key); err != nil {
				return fmt.Errorf("step %q secret %s (key %q): %w", step.Name, envName, key, err)
			}
		}
	}
	return nil
}

func (e *Executor) runStep(ctx context.Context, pipeline domain.Pipeline, env RunEnv, index int, step domain.Step) StepResult {
	start := time.Now()
	result := StepResult{
		Name:          step.Name,
		Status:        StatusSucceeded,
		FailedCommand: -1,
	}

	secretEnv, err := e.resolveStepSecrets(ctx, step)
	if err != nil {
		result.Status = StatusFailed
		result.ExitCode = -1
		result.Err = err
		result.Duration = time.Since(start)
		return result
	}

	local := e.runtime.Kind() == KindLocal

	dataPath := pipeline.Volume.MountPath
	if local {
		dataPath = env.DataDir
	}

	builtin := map[string]string{
		envDataDir: dataPath,
		envRunID:   env.RunID,
	}
	var mounts []domain.Mount
	if !local {
		mounts = append(mounts, domain.Mount{
			HostPath:  env.DataDir,
			MountPath: pipeline.Volume.MountPath,
		})
	}
	if env.ModuleRoot != "" {
		if local {
			builtin[envModuleRoot] = env.ModuleRoot
		} else {
			builtin[envModuleRoot] = ModuleMountPath
			mounts = append(mounts, domain.Mount{
				HostPath:  env.ModuleRoot,
				MountPath: ModuleMountPath,
				ReadOnly:  true,
			})
		}
	}
	mounts = append(mounts, step.Mounts...)

	merged := mergeEnv(env.BaseEnv, builtin, pipeline.Env, secretEnv)

	for cmdIndex, command := range step.Commands {
		spec := CommandSpec{
			Name:    commandName(env.RunID, step.Name, cmdIndex),
			Image:   step.EffectiveImage(pipeline),
			Command: command,
			Env:     merged,
			Mounts:  mounts,
			WorkDir: dataPath,
		}

		commandResult, err := e.runtime.Run(ctx, spec)
		if err != nil {
			result.Status = StatusFailed
			result.ExitCode = -1
			result.FailedCommand = cmdIndex
			result.Err = fmt.Errorf("step %q command %d: %w", step.Name, cmdIndex, err)
			break
		}
		if commandResult.ExitCode != 0 {
			result.Status = StatusFailed
			result.ExitCode = commandResult.ExitCode
			result.FailedCommand = cmdIndex
			result.Err = fmt.Errorf("step %q command %d: exit code %d", step.Name, cmdIndex, commandResult.ExitCode)
			break
		}
	}

	result.Duration = time.Since(start)
	return result
}

// resolveStepSecrets resolves the step's bindings fresh at step start.
// Error text names keys and env var names, never values.
func (e *Executor) resolveStepSecrets(ctx context.Context, step domain.Step) (map[string]string, error) {
	if len(step.Secrets) == 0 {
		return nil, nil
	}
	if e.secrets == nil {
		return nil, fmt.Errorf("step %q binds secrets but no secret provider is configured", step.Name)
	}

	out := make(map[string]string, len(step.Secrets))
	for _, envName := range sortedKeys(step.Secrets) {
		key := step.Secrets[envName]
		value, err := e.secrets.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("step %q secret %s (key %q): %w", step.Name, envName, key, err)
		}
		out[envName] = value
	}
	return out, nil
}

// mergeEnv overlays the given layers, later layers winning.
func mergeEnv(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func commandName(runID, stepName string, cmdIndex int) string {
	return "stela-" + runID + "-" + stepName + "-" + strconv.Itoa(cmdIndex)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
