package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/evidence-api/api/swagger"
	"github.com/noah-isme/evidence-api/internal/handler"
	internalmiddleware "github.com/noah-isme/evidence-api/internal/middleware"
	"github.com/noah-isme/evidence-api/internal/repository"
	"github.com/noah-isme/evidence-api/internal/service"
	"github.com/noah-isme/evidence-api/pkg/cache"
	"github.com/noah-isme/evidence-api/pkg/config"
	"github.com/noah-isme/evidence-api/pkg/database"
	"github.com/noah-isme/evidence-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/evidence-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/evidence-api/pkg/middleware/requestid"
)

const metricsPath = "/metrics"

// @title Evidence API
// @version 1.0.0
// @description Upload, store and retrieve case evidence files
// @BasePath /api
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close() //nolint:errcheck

	if cfg.Database.AutoMigrate {
		if err := database.EnsureSchema(ctx, db); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	var metricsSvc *service.MetricsService
	if cfg.Metrics.Enabled {
		metricsSvc = service.NewMetricsService()
	}

	blobs, closeBlobs, err := openBlobStore(ctx, cfg.Blob, db)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	defer closeBlobs()

	evidenceRepo := repository.NewEvidenceRepository(db)
	checks := map[string]handler.Pinger{"database": evidenceRepo}

	var cacheSvc *service.CacheService
	if cfg.Redis.Enabled {
		client, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		cacheRepo := repository.NewCacheRepository(client, logr)
		defer cacheRepo.Close() //nolint:errcheck
		cacheSvc = service.NewCacheService(cacheRepo, metricsSvc, cfg.Redis.CacheTTL, logr, true)
		checks["cache"] = cacheRepo
	}

	evidenceSvc := service.NewEvidenceService(evidenceRepo, blobs, cacheSvc, metricsSvc, validator.New(), logr, service.EvidenceServiceConfig{
		MaxUploadBytes:   cfg.Evidence.MaxUploadBytes,
		DefaultListLimit: cfg.Evidence.DefaultListLimit,
		MaxListLimit:     cfg.Evidence.MaxListLimit,
		BlobBackend:      cfg.Blob.Backend,
	})
	tokens := service.NewTokenService(service.TokenConfig{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metricsSvc, metricsPath))
	r.Use(internalmiddleware.Timeout(cfg.HTTP.RequestTimeout))

	routes := handler.Routes{
		Evidence: handler.NewEvidenceHandler(evidenceSvc, logr),
		System:   handler.NewSystemHandler(metricsSvc, checks, logr),
		Auth:     internalmiddleware.JWT(tokens),
	}
	if metricsSvc != nil {
		routes.MetricsPath = metricsPath
	}
	handler.Register(r, cfg.APIPrefix, routes)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "blob_backend", cfg.Blob.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logr.Info("shutting down", zap.Duration("timeout", cfg.HTTP.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
