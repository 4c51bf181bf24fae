// Command runner executes the CI pipeline matching a pushed git ref:
// it loads the pipeline definition file, resolves which pipeline the
// ref triggers, runs its steps in order, and records the run through
// the tracking client.
//
// Exit codes: 0 when no pipeline matched or the pipeline succeeded,
// 1 when a step failed or infrastructure was unavailable, 2 on
// configuration errors.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/stela-ml/stela-go/internal/domain"
	"github.com/stela-ml/stela-go/internal/executor"
	"github.com/stela-ml/stela-go/internal/platform/objectstore"
	"github.com/stela-ml/stela-go/internal/secrets"
	"github.com/stela-ml/stela-go/internal/tracking"
	"github.com/stela-ml/stela-go/internal/trigger"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, logger))
}

func run(ctx context.Context, logger *slog.Logger) int {
	cfg, err := configFromEnv()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return 2
	}

	file, err := domain.LoadFile(cfg.PipelinesFile)
	if err != nil {
		logger.Error("pipeline file rejected", "file", cfg.PipelinesFile, "error", err)
		return 2
	}

	registry := trigger.NewRegistry()
	for _, p := range file.Pipelines {
		if err := registry.Register(p.Name, p.Triggers); err != nil {
			logger.Error("trigger registration failed", "pipeline", p.Name, "error", err)
			return 2
		}
	}

	name, err := registry.Match(cfg.GitRef)
	if errors.Is(err, trigger.ErrNoMatch) {
		logger.Info("no pipeline matched", "ref", cfg.GitRef)
		return 0
	}
	if err != nil {
		logger.Error("trigger match failed", "ref", cfg.GitRef, "error", err)
		return 2
	}
	pipeline, ok := file.Pipeline(name)
	if !ok {
		logger.Error("matched pipeline missing from file", "pipeline", name)
		return 2
	}

	provider, err := buildSecretProvider(cfg)
	if err != nil {
		logger.Error("secret provider init failed", "error", err)
		return 2
	}

	trackingCfg, err := buildTrackingConfig(ctx, cfg, provider)
	if err != nil {
		logger.Error("tracking configuration failed", "error", err)
		return 2
	}
	client, err := tracking.NewFromConfig(trackingCfg, logger)
	if err != nil {
		logger.Error("tracking client init failed", "error", err)
		return 1
	}
	// Shutdown safety net: any run still open when we leave, whether by
	// panic, signal, or early return, is closed as killed. The context
	// is decoupled from ctx so the close still reaches the server after
	// a signal cancelled everything else.
	defer func() {
		if err := client.Close(context.WithoutCancel(ctx), tracking.StatusKilled); err != nil {
			logger.Warn("closing leftover tracking runs failed", "error", err)
		}
	}()

	runID := uuid.NewString()
	dataDir := filepath.Join(cfg.DataRoot, pipeline.Name, runID)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Error("data dir creation failed", "dir", dataDir, "error", err)
		return 1
	}

	rootRun, err := client.StartRun(ctx, pipeline.Name, map[string]string{
		"pipeline": pipeline.Name,
		"ref":      cfg.GitRef,
	})
	if err != nil {
		logger.Error("root tracking run not started", "pipeline", pipeline.Name, "error", err)
		return 1
	}
	logger.Info("pipeline run started",
		"pipeline", pipeline.Name,
		"ref", cfg.GitRef,
		"run_id", runID,
		"tracking_run_id", rootRun.ID(),
		"tracking_mode", client.Mode(),
	)

	logPipelineParams(ctx, logger, rootRun, cfg.GitRef, pipeline.Env)

	runtime, err := buildRuntime(cfg)
	if err != nil {
		logger.Error("runtime init failed", "error", err)
		return 2
	}

	baseEnv := map[string]string{}
	if cfg.TrackingURL != "" {
		// Step code may log into its own child run directly.
		baseEnv["STELA_TRACKING_URL"] = cfg.TrackingURL
	}
	hooks := &trackingHooks{
		client:  client,
		logger:  logger,
		dataDir: dataDir,
		baseEnv: baseEnv,
	}

	exec, err := executor.New(runtime, provider, hooks, logger)
	if err != nil {
		logger.Error("executor init failed", "error", err)
		return 2
	}

	result, err := exec.Run(ctx, pipeline, executor.RunEnv{
		RunID:      runID,
		DataDir:    dataDir,
		BaseEnv:    baseEnv,
		ModuleRoot: cfg.ModuleRoot,
	})
	if err != nil {
		logger.Error("pipeline refused", "pipeline", pipeline.Name, "error", err)
		endRun(ctx, logger, rootRun, tracking.StatusFailed)
		return 2
	}

	if result.Status == executor.StatusFailed {
		if failed, ok := result.FailedStep(); ok {
			logger.Error("pipeline failed",
				"pipeline", pipeline.Name,
				"run_id", runID,
				"step", failed.Name,
				"exit_code", failed.ExitCode,
			)
		}
		endRun(ctx, logger, rootRun, tracking.StatusFailed)
		return 1
	}

	endRun(ctx, logger, rootRun, tracking.StatusSucceeded)
	logger.Info("pipeline succeeded", "pipeline", pipeline.Name, "run_id", runID)
	return 0
}

func buildSecretProvider(cfg config) (secrets.Provider, error) {
	switch cfg.SecretsMode {
	case "file":
		return secrets.NewFileProvider(cfg.SecretsDir)
	default:
		return secrets.NewEnvProvider(secrets.DefaultEnvPrefix), nil
	}
}

// buildTrackingConfig assembles the tracking client configuration. With
// no tracking URL the config stays empty and the client runs in no-op
// mode; otherwise the object-store credentials and API token come from
// the secret provider, never from plain environment variables.
func buildTrackingConfig(ctx context.Context, cfg config, provider secrets.Provider) (tracking.Config, error) {
	out := tracking.Config{
		TrackingURL: cfg.TrackingURL,
		Author:      cfg.CommitAuthor,
	}
	if cfg.TrackingURL == "" {
		return out, nil
	}

	accessKey, err := provider.Get(ctx, "s3.access_key_id")
	if err != nil {
		return tracking.Config{}, err
	}
	secretKey, err := provider.Get(ctx, "s3.secret_access_key")
	if err != nil {
		return tracking.Config{}, err
	}
	out.S3 = objectstore.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Region:    cfg.S3Region,
		UseSSL:    cfg.S3UseSSL,
		Bucket:    cfg.S3Bucket,
	}
	if err := out.S3.Validate(); err != nil {
		return tracking.Config{}, err
	}

	if cfg.OIDCTokenURL != "" {
		clientSecret, err := provider.Get(ctx, "oidc.client_secret")
		if err != nil {
			return tracking.Config{}, err
		}
		cc := clientcredentials.Config{
			ClientID:     cfg.OIDCClientID,
			ClientSecret: clientSecret,
			TokenURL:     cfg.OIDCTokenURL,
		}
		out.TokenSource = cc.TokenSource(ctx)
		return out, nil
	}

	token, err := provider.Get(ctx, "tracking.token")
	if err != nil && !errors.Is(err, secrets.ErrNotFound) {
		return tracking.Config{}, err
	}
	out.Token = token
	return out, nil
}

func buildRuntime(cfg config) (executor.Runtime, error) {
	if cfg.RuntimeKind == executor.KindLocal {
		return executor.LocalRuntime{}, nil
	}
	return executor.NewDockerRuntime(cfg.DockerBin)
}

// logPipelineParams records the triggering ref and the pipeline's
// declared environment as write-once parameters of the root run, in
// deterministic order.
func logPipelineParams(ctx context.Context, logger *slog.Logger, run *tracking.Run, ref string, env map[string]string) {
	if err := run.LogParam(ctx, "git_ref", ref); err != nil {
		logger.Warn("log param failed", "name", "git_ref", "error", err)
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := run.LogParam(ctx, "env."+k, env[k]); err != nil {
			logger.Warn("log param failed", "name", "env."+k, "error", err)
		}
	}
}

func endRun(ctx context.Context, logger *slog.Logger, run *tracking.Run, status tracking.Status) {
	if err := run.End(context.WithoutCancel(ctx), status); err != nil {
		logger.Warn("ending root run failed", "status", string(status), "error", err)
	}
}
