package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// LocalRuntime executes commands on the host via sh -ec, for local runs
// and tests. Images are ignored. The merged step environment overlays
// the host environment.
//
// Each command runs in its own process group so that cancelling the
// context kills the shell and everything it spawned, not just the shell.
type LocalRuntime struct{}

func (LocalRuntime) Kind() string {
	return KindLocal
}

func (LocalRuntime) Run(ctx context.Context, spec CommandSpec) (CommandResult, error) {
	if spec.Command == "" {
		return CommandResult{ExitCode: -1}, errors.New("command is required")
	}
	// Host execution cannot rebind paths; only identity mounts make sense.
	for _, mount := range spec.Mounts {
		if mount.HostPath != mount.MountPath {
			return CommandResult{ExitCode: -1}, fmt.Errorf(
				"local runtime cannot mount %s at %s", mount.HostPath, mount.MountPath,
			)
		}
	}

	cmd := exec.CommandContext(ctx, "sh", "-ec", spec.Command)
	cmd.Dir = spec.WorkDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	cmd.Env = os.Environ()
	for _, key := range sortedKeys(spec.Env) {
		cmd.Env = append(cmd.Env, key+"="+spec.Env[key])
	}

	err := cmd.Run()
	if err == nil {
		return CommandResult{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return CommandResult{ExitCode: exitErr.ExitCode()}, nil
	}
	return CommandResult{ExitCode: -1}, fmt.Errorf("run command: %w", err)
}
