// Package objectstore holds the S3-compatible storage client used for
// tracking-run artifacts.
package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stela-ml/stela-go/internal/platform/env"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

// ConfigFromEnv reads the trackd-side configuration. The runner builds a
// Config by hand instead: its credentials come from the secret provider.
func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("STELA_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("STELA_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("STELA_MINIO_ACCESS_KEY", "stela"),
		SecretKey: env.String("STELA_MINIO_SECRET_KEY", "stelaminio"),
		Region:    env.String("STELA_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("STELA_MINIO_BUCKET_ARTIFACTS", "artifacts"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("artifacts bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
