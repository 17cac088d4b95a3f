package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"realmforge/api/internal/ai"
	"realmforge/api/internal/app"
	"realmforge/api/internal/email"
	"realmforge/api/internal/export"
	"realmforge/api/internal/gitrepo"
	"realmforge/api/internal/realtime"
	"realmforge/api/internal/search"
	"realmforge/api/internal/seo"
	"realmforge/api/internal/session"
	"realmforge/api/internal/storage"
	"realmforge/api/internal/store"
)

func runServe(parent context.Context, flags *globalFlags) error {
	cfg, logger, err := setup(flags)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	hub := realtime.NewHub()
	defer hub.Close()

	deps := app.Deps{
		Store:  dataStore,
		Git:    gitrepo.New(cfg.ReposDir),
		Export: export.NewService(),
		Hub:    hub,
		Logger: logger,
	}

	var relay *realtime.RedisRelay
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		deps.Sessions = redisStore

		relay = realtime.NewRedisRelay(redisStore.Client(), hub, logger)
		if err := relay.Start(ctx); err != nil {
			return fmt.Errorf("realtime relay failed: %w", err)
		}
		logger.Info("using redis for refresh sessions and realtime fan-out")
	} else {
		logger.Info("using postgres for refresh sessions")
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	searchService := search.NewService(meili, search.NewPgFTS(db), logger)
	deps.Search = searchService

	if cfg.StorageConfigured() {
		objects, err := storage.New(storage.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
			PublicURL: cfg.S3PublicURL,
		})
		if err != nil {
			return fmt.Errorf("object storage: %w", err)
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			logger.Warn("ensure bucket failed; uploads may fail", zap.Error(err))
		}
		deps.Storage = objects
	} else {
		logger.Info("object storage not configured; image uploads disabled")
	}

	mail := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	deps.Email = mail

	var generator ai.Generator
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		gemini, err := ai.NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			logger.Warn("gemini unavailable; AI features disabled", zap.Error(err))
		} else {
			generator = gemini
		}
	}
	deps.AI = ai.New(generator, logger)

	catalog, err := seo.LoadCatalog()
	if err != nil {
		return fmt.Errorf("load seo catalog: %w", err)
	}
	deps.Catalog = catalog

	service := app.New(cfg, deps)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap failed; will retry on next restart", zap.Error(err))
	}
	go func() {
		if err := searchService.ReindexAll(ctx); err != nil {
			logger.Warn("search reindex failed", zap.Error(err))
		}
	}()

	rt := realtime.NewHandler(hub, service.AuthorizeTopic, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, rt, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("RealmForge API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	if relay != nil {
		if err := relay.Close(); err != nil {
			logger.Warn("realtime relay close", zap.Error(err))
		}
	}
	return nil
}
