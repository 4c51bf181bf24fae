package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// DockerRuntime shells out to the docker CLI and blocks on each command.
// Step output streams straight to the runner's stdout/stderr so the CI
// run view shows it live.
type DockerRuntime struct {
	dockerBin string
}

func NewDockerRuntime(dockerBin string) (*DockerRuntime, error) {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	return &DockerRuntime{dockerBin: dockerBin}, nil
}

func (r *DockerRuntime) Kind() string {
	return KindDocker
}

func (r *DockerRuntime) Run(ctx context.Context, spec CommandSpec) (CommandResult, error) {
	args, err := dockerRunArgs(spec)
	if err != nil {
		return CommandResult{ExitCode: -1}, err
	}

	cmd := exec.CommandContext(ctx, r.dockerBin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err = cmd.Run()
	if err == nil {
		return CommandResult{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return CommandResult{ExitCode: exitErr.ExitCode()}, nil
	}
	return CommandResult{ExitCode: -1}, fmt.Errorf("docker run: %w", err)
}

// dockerRunArgs builds the argv after "docker". Env vars are injected in
// sorted order so invocations are deterministic and diffable.
func dockerRunArgs(spec CommandSpec) ([]string, error) {
	if strings.TrimSpace(spec.Image) == "" {
		return nil, errors.New("image is required")
	}
	if strings.TrimSpace(spec.Command) == "" {
		return nil, errors.New("command is required")
	}

	args := []string{"run", "--rm"}
	if strings.TrimSpace(spec.Name) != "" {
		args = append(args, "--name", spec.Name)
	}
	for _, key := range sortedKeys(spec.Env) {
		args = append(args, "-e", key+"="+spec.Env[key])
	}
	for _, mount := range spec.Mounts {
		volume := mount.HostPath + ":" + mount.MountPath
		if mount.ReadOnly {
			volume += ":ro"
		}
		args = append(args, "-v", volume)
	}
	if strings.TrimSpace(spec.WorkDir) != "" {
		args = append(args, "-w", spec.WorkDir)
	}
	args = append(args, spec.Image, "sh", "-ec", spec.Command)
	return args, nil
}
