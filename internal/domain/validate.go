package domain

import (
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/stela-ml/stela-go/internal/secrets"
	"github.com/stela-ml/stela-go/internal/trigger"
)

// ValidationError aggregates pipeline file issues so one pass reports
// everything wrong, not just the first finding.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "pipeline file validation failed"
	}
	return "pipeline file validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

var (
	namePattern    = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`)
	envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Validate checks the whole file and collects per-index issues.
func (f File) Validate() error {
	issues := &ValidationError{}

	if f.Version != SupportedVersion {
		issues.Add(fmt.Sprintf("version must be %d (got %d)", SupportedVersion, f.Version))
	}
	if len(f.Pipelines) == 0 {
		issues.Add("pipelines must contain at least one pipeline")
	}

	pipelineNames := make(map[string]struct{}, len(f.Pipelines))
	for i, p := range f.Pipelines {
		prefix := fmt.Sprintf("pipelines[%d]", i)

		name := strings.TrimSpace(p.Name)
		switch {
		case name == "":
			issues.Add(prefix + " name is required")
		case !isValidName(name):
			issues.Add(fmt.Sprintf("%s name %q must be a lowercase dns-style label", prefix, p.Name))
		default:
			if _, dup := pipelineNames[name]; dup {
				issues.Add(fmt.Sprintf("%s duplicate pipeline name %q", prefix, name))
			}
			pipelineNames[name] = struct{}{}
		}

		if len(p.Triggers) == 0 {
			issues.Add(prefix + " triggers must be non-empty")
		}
		for k, pattern := range p.Triggers {
			if err := trigger.ValidatePattern(pattern); err != nil {
				issues.Add(fmt.Sprintf("%s.triggers[%d]: %v", prefix, k, err))
			}
		}

		if strings.TrimSpace(p.Volume.MountPath) == "" {
			issues.Add(prefix + ".volume.mount_path is required")
		} else if !path.IsAbs(p.Volume.MountPath) {
			issues.Add(fmt.Sprintf("%s.volume.mount_path %q must be absolute", prefix, p.Volume.MountPath))
		}

		if p.Image != "" {
			if err := validateImageRef(p.Image); err != nil {
				issues.Add(fmt.Sprintf("%s.image %q: %v", prefix, p.Image, err))
			}
		}

		for envName := range p.Env {
			if !envNamePattern.MatchString(envName) {
				issues.Add(fmt.Sprintf("%s.env name %q is not a valid environment variable name", prefix, envName))
			}
		}

		if len(p.Steps) == 0 {
			issues.Add(prefix + ".steps must contain at least one step")
		}
		stepNames := make(map[string]struct{}, len(p.Steps))
		for j, step := range p.Steps {
			stepPrefix := fmt.Sprintf("%s.steps[%d]", prefix, j)

			stepName := strings.TrimSpace(step.Name)
			switch {
			case stepName == "":
				issues.Add(stepPrefix + " name is required")
			case !isValidName(stepName):
				issues.Add(fmt.Sprintf("%s name %q must be a lowercase dns-style label", stepPrefix, step.Name))
			default:
				if _, dup := stepNames[stepName]; dup {
					issues.Add(fmt.Sprintf("%s duplicate step name %q", stepPrefix, stepName))
				}
				stepNames[stepName] = struct{}{}
			}

			if step.EffectiveImage(p) == "" {
				issues.Add(stepPrefix + " has no image and the pipeline declares no default")
			}
			if step.Image != "" {
				if err := validateImageRef(step.Image); err != nil {
					issues.Add(fmt.Sprintf("%s.image %q: %v", stepPrefix, step.Image, err))
				}
			}

			if len(step.Commands) == 0 {
				issues.Add(stepPrefix + ".commands must be non-empty")
			}
			for k, command := range step.Commands {
				if strings.TrimSpace(command) == "" {
					issues.Add(fmt.Sprintf("%s.commands[%d] is blank", stepPrefix, k))
				}
			}

			for envName, key := range step.Secrets {
				if !envNamePattern.MatchString(envName) {
					issues.Add(fmt.Sprintf("%s.secrets name %q is not a valid environment variable name", stepPrefix, envName))
				}
				if err := secrets.ValidateKey(key); err != nil {
					issues.Add(fmt.Sprintf("%s.secrets[%s]: %v", stepPrefix, envName, err))
				}
			}

			for k, mount := range step.Mounts {
				if strings.TrimSpace(mount.HostPath) == "" || !path.IsAbs(mount.HostPath) {
					issues.Add(fmt.Sprintf("%s.mounts[%d].host_path %q must be absolute", stepPrefix, k, mount.HostPath))
				}
				if strings.TrimSpace(mount.MountPath) == "" || !path.IsAbs(mount.MountPath) {
					issues.Add(fmt.Sprintf("%s.mounts[%d].mount_path %q must be absolute", stepPrefix, k, mount.MountPath))
				}
			}

			for k, artifact := range step.Artifacts {
				if !isValidArtifactPath(artifact) {
					issues.Add(fmt.Sprintf("%s.artifacts[%d] %q must be a clean relative subpath", stepPrefix, k, artifact))
				}
			}
		}
	}

	return issues.OrNil()
}

func isValidName(name string) bool {
	return len(name) <= 63 && namePattern.MatchString(name)
}

// isValidArtifactPath accepts clean relative subpaths of the shared
// volume, like "prepare" or "train/model".
func isValidArtifactPath(p string) bool {
	if strings.TrimSpace(p) == "" || path.IsAbs(p) {
		return false
	}
	cleaned := path.Clean(p)
	if cleaned != p || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return false
	}
	return true
}

// validateImageRef checks shape only; pulling and digest resolution are
// the runtime's problem.
func validateImageRef(ref string) error {
	if strings.ContainsAny(ref, " \t") {
		return fmt.Errorf("contains whitespace")
	}
	name := ref
	if at := strings.LastIndex(ref, "@"); at >= 0 {
		if !isSHA256Digest(ref[at+1:]) {
			return fmt.Errorf("digest must be sha256:<64 hex chars>")
		}
		name = ref[:at]
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("name is required")
	}
	if colon := strings.LastIndex(name, ":"); colon > strings.LastIndex(name, "/") && colon == len(name)-1 {
		return fmt.Errorf("tag is empty")
	}
	return nil
}

func isSHA256Digest(value string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	hexPart, ok := strings.CutPrefix(value, "sha256:")
	if !ok || len(hexPart) != 64 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}
