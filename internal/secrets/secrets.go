// Package secrets resolves named credentials injected by the CI
// environment. Providers are read-only; values stay out of error text
// and logs, only key names appear there.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultEnvPrefix is where the CI environment is expected to park
// credentials, e.g. key s3.access_key_id -> STELA_SECRET_S3_ACCESS_KEY_ID.
const DefaultEnvPrefix = "STELA_SECRET_"

var (
	ErrNotFound   = errors.New("secrets: secret not found")
	ErrInvalidKey = errors.New("secrets: invalid key")
)

// keyPattern: lowercase alphanumerics separated by . _ -, no leading or
// trailing separator.
var keyPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9._-]*[a-z0-9])?$`)

// Provider is the read-only resolution surface handed to the executor.
type Provider interface {
	// Name identifies the backend in diagnostics.
	Name() string
	// Get retrieves a secret value by key. Missing keys return ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Keys lists the keys the provider can currently resolve.
	Keys(ctx context.Context) ([]string, error)
}

func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// EnvProvider reads secrets from environment variables. Keys are mapped
// to uppercase with dots and dashes replaced by underscores, so
// "database.password" with prefix "STELA_SECRET_" reads
// STELA_SECRET_DATABASE_PASSWORD.
type EnvProvider struct {
	Prefix string
}

func NewEnvProvider(prefix string) EnvProvider {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultEnvPrefix
	}
	return EnvProvider{Prefix: prefix}
}

func (p EnvProvider) Name() string { return "env" }

func (p EnvProvider) Get(_ context.Context, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	envKey := p.envKey(key)
	val, ok := os.LookupEnv(envKey)
	if !ok {
		return "", fmt.Errorf("%w: env var %s", ErrNotFound, envKey)
	}
	return val, nil
}

// Keys reports resolvable keys in their flattened form: the mapping to
// env names folds . and - into _, so listed keys use _ throughout.
func (p EnvProvider) Keys(_ context.Context) ([]string, error) {
	prefix := strings.ToUpper(p.Prefix)
	var keys []string
	for _, env := range os.Environ() {
		name, _, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, prefix))
		if ValidateKey(key) == nil {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (p EnvProvider) envKey(key string) string {
	k := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
	return strings.ToUpper(p.Prefix) + k
}

// FileProvider reads secrets from files in one directory, each file name
// a key and its trimmed content the value. Compatible with Kubernetes
// secret volume mounts. Key validation keeps lookups inside Dir.
type FileProvider struct {
	Dir string
}

func NewFileProvider(dir string) (FileProvider, error) {
	if strings.TrimSpace(dir) == "" {
		return FileProvider{}, errors.New("secrets: dir is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return FileProvider{}, fmt.Errorf("secrets: stat dir: %w", err)
	}
	if !info.IsDir() {
		return FileProvider{}, fmt.Errorf("secrets: %s is not a directory", dir)
	}
	return FileProvider{Dir: dir}, nil
}

func (p FileProvider) Name() string { return "file" }

func (p FileProvider) Get(_ context.Context, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(p.Dir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("secrets: read %s: %w", key, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (p FileProvider) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return nil, fmt.Errorf("secrets: list dir: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ValidateKey(e.Name()) == nil {
			keys = append(keys, e.Name())
		}
	}
	return keys, nil
}
