package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gatehouse-io/gatehouse/internal/app"
	"github.com/gatehouse-io/gatehouse/internal/assignments"
	"github.com/gatehouse-io/gatehouse/internal/audit"
	"github.com/gatehouse-io/gatehouse/internal/authz"
	"github.com/gatehouse-io/gatehouse/internal/catalog"
	"github.com/gatehouse-io/gatehouse/internal/events"
	"github.com/gatehouse-io/gatehouse/internal/observability"
	"github.com/gatehouse-io/gatehouse/internal/permcache"
	"github.com/gatehouse-io/gatehouse/internal/platform/cache"
	"github.com/gatehouse-io/gatehouse/internal/platform/db"
	"github.com/gatehouse-io/gatehouse/internal/roles"
)

// cascadeBinder breaks the construction cycle between the role and assignment
// services: the role service needs the cascade before the assignment service
// exists, so the binding is filled in afterwards.
type cascadeBinder struct {
	svc *assignments.Service
}

func (b *cascadeBinder) RemoveAllForRole(ctx context.Context, roleID, orgID, removedBy int64, reason string) (int64, error) {
	return b.svc.RemoveAllForRole(ctx, roleID, orgID, removedBy, reason)
}

func (b *cascadeBinder) CountActiveForRole(ctx context.Context, roleID, orgID int64) (int64, error) {
	return b.svc.CountActiveForRole(ctx, roleID, orgID)
}

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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	bus := events.NewBus(redisClient, cfg.InvalidationChannel, logger)

	catalogRepo := catalog.NewRepository(pool)
	catalogService := catalog.NewService(catalogRepo)

	cascade := &cascadeBinder{}
	rolesRepo := roles.NewRepository(pool)
	rolesService := roles.NewService(rolesRepo, catalogService, cascade, bus, int64(cfg.CustomRoleLimit), logger)

	assignmentsRepo := assignments.NewRepository(pool)
	assignmentsService := assignments.NewService(assignmentsRepo, rolesService, bus, logger)
	cascade.svc = assignmentsService

	permCache := permcache.New(redisClient, cfg.CacheTTL, logger)
	invalidator := permcache.NewInvalidator(permCache, metrics, logger)
	bus.Subscribe(invalidator.Handle)
	bus.Subscribe(audit.NewRecorder(audit.LogSink{Logger: logger}).Handle)
	if err := bus.Listen(ctx); err != nil {
		logger.Error("event listener", slog.Any("error", err))
		os.Exit(1)
	}

	authzService := authz.NewService(rolesService, assignmentsService, catalogService, permCache, metrics, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		AuthzHandler:       authz.NewHandler(logger, authzService),
		RolesHandler:       roles.NewHandler(logger, rolesService),
		AssignmentsHandler: assignments.NewHandler(logger, assignmentsService),
		CatalogHandler:     catalog.NewHandler(logger, catalogService),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
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
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
