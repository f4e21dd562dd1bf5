package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bryanwahyu/diagnovision/internal/application"
	appanalysis "github.com/bryanwahyu/diagnovision/internal/application/analysis"
	apphistory "github.com/bryanwahyu/diagnovision/internal/application/history"
	appsession "github.com/bryanwahyu/diagnovision/internal/application/session"
	"github.com/bryanwahyu/diagnovision/internal/domain/results"
	"github.com/bryanwahyu/diagnovision/internal/infra/db"
	"github.com/bryanwahyu/diagnovision/internal/infra/db/sqlstore"
	"github.com/bryanwahyu/diagnovision/internal/infra/httpserver"
	"github.com/bryanwahyu/diagnovision/internal/infra/identity"
	"github.com/bryanwahyu/diagnovision/internal/infra/inference"
	"github.com/bryanwahyu/diagnovision/internal/infra/limiter"
	minioStore "github.com/bryanwahyu/diagnovision/internal/infra/storage"
	"github.com/bryanwahyu/diagnovision/internal/middleware"
)

const persistTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	dialect, err := sqlstore.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return err
	}

	if cfg.Database.AutoMigrate {
		res, err := migrate(ctx, "up")
		if err != nil {
			return err
		}
		logger.Info("schema ready", zap.Uint("version", res.Version), zap.Bool("changed", res.Changed))
	}

	// connect database
	conn, err := db.Open(ctx, dialect, cfg.DSN())
	if err != nil {
		return err
	}
	defer conn.Close()
	store := sqlstore.New(conn, dialect)

	checkers := map[string]middleware.HealthChecker{
		"database": middleware.PingChecker{Target: store},
	}

	// init repo
	users := sqlstore.NewUserRepository(store)
	profiles := sqlstore.NewProfileRepository(store)
	assets := sqlstore.NewAssetRepository(store)
	glaucoma, err := sqlstore.NewResultRepository(store, cfg.Database.GlaucomaTable)
	if err != nil {
		return err
	}
	dr, err := sqlstore.NewResultRepository(store, cfg.Database.DRTable)
	if err != nil {
		return err
	}
	resultStores := map[results.Category]results.Store{
		results.CategoryGlaucoma: glaucoma,
		results.CategoryDR:       dr,
	}

	deps := appsession.Deps{
		Auth:        identity.NewProvider(users, cfg.Auth.BcryptCost),
		Profiles:    profiles,
		Log:         logger,
		RoleTimeout: cfg.Auth.RoleTimeout,
	}
	if cfg.Redis.URL != "" {
		client, err := limiter.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		rl := limiter.NewRedis(client, cfg.Auth.MaxSignInAttempts, cfg.Auth.AttemptWindow)
		deps.Limiter = rl
		checkers["redis"] = middleware.PingChecker{Target: rl}
	} else {
		mem := limiter.NewMemory(cfg.Auth.MaxSignInAttempts, cfg.Auth.AttemptWindow)
		deps.Limiter = mem
		go every(ctx, cfg.Auth.AttemptWindow, mem.Prune)
	}

	analysis := &appanalysis.Service{
		Analyzer:       inference.NewClient(cfg.Inference.BaseURL, cfg.Inference.Timeout),
		Results:        resultStores,
		Assets:         assets,
		Clock:          application.SystemClock{},
		Log:            logger.Named("analysis"),
		Sink:           middleware.Observer{},
		ProbeHealth:    cfg.Inference.ProbeHealth,
		Hint:           cfg.Inference.Hint,
		PersistTimeout: persistTimeout,
	}
	checkers["inference"] = middleware.CheckFunc(analysis.Analyzer.Health)

	// init minio
	if cfg.Minio.Enabled() {
		blobs, err := minioStore.New(ctx,
			cfg.Minio.Endpoint,
			cfg.Minio.Region,
			cfg.Minio.BucketName,
			cfg.Minio.AccessKey,
			cfg.Minio.SecretKey,
			cfg.Minio.UseSSL,
			minioStore.Options{PublicBaseURL: cfg.Minio.PublicBaseURL, PresignTTL: cfg.Minio.PresignTTL},
		)
		if err != nil {
			return fmt.Errorf("minio init error: %w", err)
		}
		analysis.Blobs = blobs
		analysis.Signer = blobs
		checkers["minio"] = middleware.PingChecker{Target: blobs}
	}

	history := &apphistory.Service{
		Stores:       resultStores,
		Assets:       assets,
		Sink:         middleware.Observer{},
		Log:          logger.Named("history"),
		FetchTimeout: cfg.History.FetchTimeout,
	}
	if cfg.Minio.Enabled() {
		// stored urls are unsigned; views sign them when presigning is on
		history.Signer = analysis.Signer
	}

	sessions := appsession.NewRegistry(deps)
	defer sessions.CloseAll()
	go every(ctx, sweepInterval(cfg.Auth.SessionIdleTimeout), func() {
		if n := sessions.Sweep(cfg.Auth.SessionIdleTimeout); n > 0 {
			logger.Info("closed idle sessions", zap.Int("count", n), zap.Int("open", sessions.Len()))
		}
	})

	// init router
	handler := httpserver.NewRouter(httpserver.Deps{
		Sessions:       sessions,
		Tokens:         identity.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		History:        history,
		Analysis:       analysis,
		Checkers:       checkers,
		RateLimiter:    middleware.NewRateLimiter(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
		CORSOrigins:    cfg.Server.CORSOrigins,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Log:            logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// run server
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", addr), zap.String("db", string(dialect)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// graceful shutdown
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

func sweepInterval(idle time.Duration) time.Duration {
	iv := idle / 4
	if iv > time.Minute {
		iv = time.Minute
	}
	if iv < time.Second {
		iv = time.Second
	}
	return iv
}

func every(ctx context.Context, d time.Duration, fn func()) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}
