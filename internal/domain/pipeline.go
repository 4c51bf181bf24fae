// Package domain holds the pipeline definition file model: what the
// runner loads, validates, and hands to the trigger registry and the
// executor.
package domain

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SupportedVersion is the only pipeline file version this build accepts.
const SupportedVersion = 1

type File struct {
	Version   int        `json:"version" yaml:"version"`
	Pipelines []Pipeline `json:"pipelines" yaml:"pipelines"`
}

type Pipeline struct {
	Name     string            `json:"name" yaml:"name"`
	Triggers []string          `json:"triggers" yaml:"triggers"`
	Image    string            `json:"image,omitempty" yaml:"image,omitempty"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Volume   Volume            `json:"volume" yaml:"volume"`
	Steps    []Step            `json:"steps" yaml:"steps"`
}

// Volume declares where the shared data directory appears inside every
// step of the pipeline. The path is identical across steps so one step's
// outputs are the next step's inputs.
type Volume struct {
	MountPath string `json:"mount_path" yaml:"mount_path"`
}

type Step struct {
	Name     string   `json:"name" yaml:"name"`
	Image    string   `json:"image,omitempty" yaml:"image,omitempty"`
	Commands []string `json:"commands" yaml:"commands"`
	// Secrets maps an environment variable name to a secret provider key.
	Secrets   map[string]string `json:"secrets,omitempty" yaml:"secrets,omitempty"`
	Mounts    []Mount           `json:"mounts,omitempty" yaml:"mounts,omitempty"`
	Artifacts []string          `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
}

type Mount struct {
	HostPath  string `json:"host_path" yaml:"host_path"`
	MountPath string `json:"mount_path" yaml:"mount_path"`
	ReadOnly  bool   `json:"read_only,omitempty" yaml:"read_only,omitempty"`
}

// ParseFile decodes and validates a pipeline definition file.
func ParseFile(input []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(input, &f); err != nil {
		return File{}, fmt.Errorf("decode pipeline file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read pipeline file: %w", err)
	}
	f, err := ParseFile(data)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Pipeline returns the named pipeline, if declared.
func (f File) Pipeline(name string) (Pipeline, bool) {
	for _, p := range f.Pipelines {
		if p.Name == name {
			return p, true
		}
	}
	return Pipeline{}, false
}

// EffectiveImage resolves a step's image, falling back to the pipeline
// default.
func (s Step) EffectiveImage(p Pipeline) string {
	if s.Image != "" {
		return s.Image
	}
	return p.Image
}
