package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tasktree/api/internal/app"
	"tasktree/api/internal/config"
	"tasktree/api/internal/export"
	"tasktree/api/internal/logger"
	"tasktree/api/internal/metrics"
	"tasktree/api/internal/ratelimit"
	"tasktree/api/internal/search"
	"tasktree/api/internal/session"
	"tasktree/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config load failed", "error", err)
	}
	logger.Init(cfg.LogLevel, cfg.LogJSON)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		logger.Fatal("database connection failed", "error", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal("migrations failed", "error", err)
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", "versions", applied)
	}

	dataStore := store.NewPostgresStore(db)
	promMetrics := metrics.New()

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	// Redis is optional: without it revocations live in Postgres only and the
	// login limiter lets every request through.
	var redisStore *session.RedisStore
	var loginLimiter *ratelimit.Limiter
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, continuing without it", "error", err)
			redisStore = nil
		} else {
			defer redisStore.Close()
			loginLimiter = ratelimit.New(redisStore.Client(), cfg.LoginRateLimit, cfg.LoginRateWindow)
		}
	}

	var archive export.Archiver
	if strings.TrimSpace(cfg.ExportS3Endpoint) != "" {
		minioArchive, err := export.NewMinioArchive(export.MinioOptions{
			Endpoint:  cfg.ExportS3Endpoint,
			AccessKey: cfg.ExportS3AccessKey,
			SecretKey: cfg.ExportS3SecretKey,
			Bucket:    cfg.ExportS3Bucket,
			UseSSL:    cfg.ExportS3UseSSL,
		})
		if err != nil {
			logger.Fatal("export storage setup failed", "error", err)
		}
		if err := minioArchive.EnsureBucket(ctx); err != nil {
			logger.Warn("export bucket check failed, exports will not be archived", "bucket", cfg.ExportS3Bucket, "error", err)
		} else {
			archive = minioArchive
		}
	}
	if !export.PDFAvailable() {
		logger.Warn("chromium not found, PDF export disabled")
	}

	service := app.New(cfg, dataStore, app.Options{
		Revocations: redisStore,
		Search:      searchService,
		Export:      export.NewService(archive),
		Metrics:     promMetrics,
	})
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("demo seed failed; it only runs on an empty users table, clear it to retry", "error", err)
	}
	go searchService.ReindexAllFromPG(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin,
		app.WithLoginLimiter(loginLimiter),
		app.WithMetrics(promMetrics),
	)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("task API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
