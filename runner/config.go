package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stela-ml/stela-go/internal/executor"
	"github.com/stela-ml/stela-go/internal/platform/env"
)

// config is everything the runner reads from the environment. Secret
// material (object-store credentials, tokens) is deliberately absent:
// it comes from the secret provider at run time.
type config struct {
	PipelinesFile string
	GitRef        string
	DataRoot      string
	ModuleRoot    string

	RuntimeKind string
	DockerBin   string

	SecretsMode string
	SecretsDir  string

	TrackingURL  string
	CommitAuthor string

	S3Endpoint string
	S3Region   string
	S3UseSSL   bool
	S3Bucket   string

	OIDCTokenURL string
	OIDCClientID string
}

func configFromEnv() (config, error) {
	cfg := config{
		PipelinesFile: env.String("STELA_PIPELINES_FILE", ""),
		GitRef:        env.String("STELA_GIT_REF", ""),
		DataRoot:      env.String("STELA_DATA_ROOT", ""),
		ModuleRoot:    env.String("STELA_MODULE_ROOT", ""),
		RuntimeKind:   env.String("STELA_RUNTIME", executor.KindDocker),
		DockerBin:     env.String("STELA_DOCKER_BIN", "docker"),
		SecretsMode:   env.String("STELA_SECRETS_MODE", "env"),
		SecretsDir:    env.String("STELA_SECRETS_DIR", ""),
		TrackingURL:   env.String("STELA_TRACKING_URL", ""),
		CommitAuthor:  env.String("STELA_COMMIT_AUTHOR", ""),
		S3Endpoint:    env.String("STELA_S3_ENDPOINT", "localhost:9000"),
		S3Region:      env.String("STELA_S3_REGION", "us-east-1"),
		S3Bucket:      env.String("STELA_S3_BUCKET", "artifacts"),
		OIDCTokenURL:  env.String("STELA_OIDC_TOKEN_URL", ""),
		OIDCClientID:  env.String("STELA_OIDC_CLIENT_ID", ""),
	}
	useSSL, err := env.Bool("STELA_S3_USE_SSL", false)
	if err != nil {
		return config{}, err
	}
	cfg.S3UseSSL = useSSL

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	if strings.TrimSpace(c.PipelinesFile) == "" {
		return errors.New("STELA_PIPELINES_FILE is required")
	}
	if strings.TrimSpace(c.GitRef) == "" {
		return errors.New("STELA_GIT_REF is required")
	}
	if strings.TrimSpace(c.DataRoot) == "" {
		return errors.New("STELA_DATA_ROOT is required")
	}
	switch c.RuntimeKind {
	case executor.KindDocker, executor.KindLocal:
	default:
		return fmt.Errorf("STELA_RUNTIME must be %q or %q, got %q", executor.KindDocker, executor.KindLocal, c.RuntimeKind)
	}
	switch c.SecretsMode {
	case "env":
	case "file":
		if strings.TrimSpace(c.SecretsDir) == "" {
			return errors.New("STELA_SECRETS_DIR is required when STELA_SECRETS_MODE=file")
		}
	default:
		return fmt.Errorf("STELA_SECRETS_MODE must be \"env\" or \"file\", got %q", c.SecretsMode)
	}
	if c.OIDCTokenURL != "" && strings.TrimSpace(c.OIDCClientID) == "" {
		return errors.New("STELA_OIDC_CLIENT_ID is required when STELA_OIDC_TOKEN_URL is set")
	}
	return nil
}
