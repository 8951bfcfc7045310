package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/equiptrack/internal/app"
	"github.com/odyssey-erp/equiptrack/internal/auth"
	"github.com/odyssey-erp/equiptrack/internal/gateway"
	"github.com/odyssey-erp/equiptrack/internal/guard"
	"github.com/odyssey-erp/equiptrack/internal/media"
	"github.com/odyssey-erp/equiptrack/internal/observability"
	"github.com/odyssey-erp/equiptrack/internal/platform/cache"
	"github.com/odyssey-erp/equiptrack/internal/platform/db"
	"github.com/odyssey-erp/equiptrack/internal/rbac"
	"github.com/odyssey-erp/equiptrack/internal/shared"
	"github.com/odyssey-erp/equiptrack/internal/view"
	"github.com/odyssey-erp/equiptrack/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	var objects gateway.ObjectPutter
	if cfg.StorageEnabled() {
		store, err := gateway.NewObjectStore(ctx, gateway.StorageConfig{
			Bucket:        cfg.S3Bucket,
			Region:        cfg.S3Region,
			Endpoint:      cfg.S3Endpoint,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			UsePathStyle:  cfg.S3UsePathStyle,
			PublicBaseURL: cfg.S3PublicBaseURL,
		})
		if err != nil {
			logger.Error("init object storage", slog.Any("error", err))
			os.Exit(1)
		}
		objects = store
	} else {
		logger.Info("object storage disabled, uploads will be rejected")
	}

	backend := gateway.NewBackend(gateway.BackendDeps{
		DB:        dbpool,
		Directory: gateway.NewPGDirectory(dbpool),
		Redis:     redisClient,
		Tokens:    gateway.NewTokens(cfg.GatewayJWTSecret, cfg.GatewayAccessTTL),
		Mailer:    jobs.NewMailer(jobClient),
		Objects:   objects,
		Logger:    logger,
		Config: gateway.BackendConfig{
			RefreshTTL:          cfg.GatewayRefreshTTL,
			VerifyTTL:           cfg.GatewayVerifyTTL,
			RequireConfirmation: cfg.GatewayRequireConfirmation,
			SiteURL:             cfg.AppBaseURL,
			Tables:              cfg.GatewayTables,
			DefaultRole:         rbac.RoleUser.String(),
		},
	})

	metrics := observability.NewMetrics()

	registry := auth.NewRegistry(func(browserSessionID string) auth.Gateway {
		storage := gateway.NewRedisTokenStorage(redisClient, browserSessionID, cfg.GatewayRefreshTTL)
		return gateway.NewClient(backend, storage, logger)
	}, auth.Options{
		ProfileFetchDelay: cfg.ProfileFetchDelay(),
		FallbackRole:      rbac.Role(cfg.AuthFallbackRole),
		SignUpRedirectURL: cfg.URL("/auth/callback"),
		ResetRedirectURL:  cfg.URL("/auth/recover"),
		Logger:            logger,
		Recorder:          metrics,
	}, cfg.AuthStoreCapacity, cfg.AuthStoreIdleTTL)
	defer registry.Close()
	metrics.GaugeFunc("equiptrack_auth_stores", "Live per-session auth stores.", func() float64 {
		return float64(registry.Len())
	})

	sessionManager := shared.NewSessionManager(redisClient, "equiptrack_session", cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	templates, err := view.NewEngine()
	if err != nil {
		logger.Error("parse templates", slog.Any("error", err))
		os.Exit(1)
	}

	routeGuard := guard.New(guard.Config{
		Stores:    registry,
		Templates: templates,
		CSRF:      csrfManager,
		Logger:    logger,
		Recorder:  metrics,
	})
	rbacMiddleware := rbac.Middleware{Source: guard.ContextCapabilities{}, Logger: logger}

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Templates:          templates,
		SessionManager:     sessionManager,
		CSRFManager:        csrfManager,
		AuthHandler:        auth.NewHandler(logger, registry, templates, sessionManager, csrfManager),
		VerifyHandler:      gateway.NewVerifyHandler(backend, logger, "/auth/callback"),
		Guard:              routeGuard,
		PermissionsHandler: rbac.NewPermissionsHandler(logger, templates, csrfManager, rbacMiddleware),
		MediaHandler:       media.NewHandler(media.StoreUploader{Stores: registry}, routeGuard, rbacMiddleware, logger, cfg.MediaMaxBytes),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("http server starting", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.Any("error", err))
	}
}
