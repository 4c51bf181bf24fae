package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stela-ml/stela-go/internal/platform/auditlog"
	"github.com/stela-ml/stela-go/internal/platform/auth"
	"github.com/stela-ml/stela-go/internal/platform/env"
	"github.com/stela-ml/stela-go/internal/platform/httpserver"
	"github.com/stela-ml/stela-go/internal/platform/objectstore"
	"github.com/stela-ml/stela-go/internal/platform/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("TRACKD_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("TRACKD_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	runTTL, err := env.Duration("STELA_TRACKD_RUN_TTL", 0)
	if err != nil {
		logger.Error("invalid run ttl", "error", err)
		os.Exit(2)
	}
	sweepInterval, err := env.Duration("STELA_TRACKD_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		logger.Error("invalid sweep interval", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := applySchema(startupCtx, db); err != nil {
		cancel()
		logger.Error("schema bootstrap failed", "error", err)
		os.Exit(1)
	}
	cancel()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBucket(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()
	store, err := objectstore.NewMinioStore(storeClient)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	var modeAuth auth.Authenticator
	switch authCfg.Mode {
	case auth.ModeDisabled:
		modeAuth = auth.DisabledAuthenticator{}
	case auth.ModeStatic:
		modeAuth = auth.StaticTokenAuthenticator{Token: authCfg.StaticToken}
	case auth.ModeOIDC:
		oidcAuth, err := auth.NewOIDCAuthenticator(ctx, authCfg)
		if err != nil {
			logger.Error("oidc authenticator init failed", "error", err)
			os.Exit(2)
		}
		modeAuth = oidcAuth
	}
	authenticator := auth.RunTokenAuthenticator{
		Secret: authCfg.RunTokenSecret,
		Next:   modeAuth,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("trackd"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"trackd",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBucket(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)

	api := newTrackdAPI(logger, db, store, storeCfg, authCfg.RunTokenSecret, authCfg.RunTokenTTL)
	api.register(mux)

	startRunSweeper(ctx, logger, db, runTTL, sweepInterval)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, "trackd", event)
		},
		SkipPrefixes: []string{"/healthz", "/readyz"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         "trackd",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "trackd", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
