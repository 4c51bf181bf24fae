package executor

import (
	"context"
	"time"

	"github.com/stela-ml/stela-go/internal/domain"
)

const (
	KindDocker = "docker"
	KindLocal  = "local"
)

// RunEnv is the per-run execution context the runner hands to the
// executor: where the shared data volume lives on the host and what the
// lowest-precedence environment looks like.
type RunEnv struct {
	RunID   string
	DataDir string
	// BaseEnv holds process-wide defaults. Pipeline env overrides it,
	// step secrets override both.
	BaseEnv map[string]string
	// ModuleRoot optionally points at a checkout of shared step code,
	// exposed to steps read-only via STELA_MODULE_ROOT.
	ModuleRoot string
}

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

type StepResult struct {
	Name     string
	Status   Status
	ExitCode int
	// FailedCommand is the index of the command that failed, -1 when the
	// step never reached its commands or succeeded.
	FailedCommand int
	Duration      time.Duration
	Err           error
}

type Result struct {
	Pipeline string
	Status   Status
	Steps    []StepResult
}

// FailedStep returns the step that failed the run, if any.
func (r Result) FailedStep() (StepResult, bool) {
	for _, step := range r.Steps {
		if step.Status == StatusFailed {
			return step, true
		}
	}
	return StepResult{}, false
}

// CommandSpec is one shell command to run in one isolated environment.
type CommandSpec struct {
	// Name is a stable identifier for the execution, usable as a
	// container name.
	Name    string
	Image   string
	Command string
	Env     map[string]string
	Mounts  []domain.Mount
	WorkDir string
}

type CommandResult struct {
	ExitCode int
}

// Runtime executes one command and blocks until it exits. A nonzero
// exit is reported in CommandResult, not as an error; errors mean the
// command could not be run at all. Cancelling ctx kills the command.
type Runtime interface {
	Kind() string
	Run(ctx context.Context, spec CommandSpec) (CommandResult, error)
}

// Hooks lets the caller observe step boundaries. The runner uses this
// to open and close per-step tracking runs.
type Hooks interface {
	StepStarted(ctx context.Context, pipeline string, index int, step domain.Step)
	StepFinished(ctx context.Context, pipeline string, index int, step domain.Step, result StepResult)
}

type noopHooks struct{}

func (noopHooks) StepStarted(context.Context, string, int, domain.Step)              {}
func (noopHooks) StepFinished(context.Context, string, int, domain.Step, StepResult) {}
