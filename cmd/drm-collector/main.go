package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"drmsync/go-sync-agent/internal/collector"
	"drmsync/go-sync-agent/internal/config"
)

func main() {
	cfg, err := config.LoadCollector()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: config.SlogLevel(cfg.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("collector terminated", "error", err)
		os.Exit(1)
	}
	logger.Info("collector stopped cleanly")
}

func run(ctx context.Context, cfg config.CollectorConfig, logger *slog.Logger) error {
	repo, err := collector.OpenRepository(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := repo.InitSchema(ctx); err != nil {
		return err
	}

	var (
		images   collector.ImageStore
		imageDir string
	)
	if cfg.MinioEndpoint != "" {
		images, err = collector.NewMinioStore(ctx, collector.MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			BaseURL:   cfg.PublicBaseURL,
		})
		if err != nil {
			return err
		}
		logger.Info("storing images in minio", "endpoint", cfg.MinioEndpoint, "bucket", cfg.MinioBucket)
	} else {
		imageDir = cfg.ImageDir
		if err := os.MkdirAll(imageDir, 0o755); err != nil {
			return fmt.Errorf("create image dir: %w", err)
		}
		images = collector.DiskStore{Dir: imageDir, BaseURL: cfg.PublicBaseURL}
		logger.Info("storing images on disk", "dir", imageDir)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           collector.NewServer(repo, images, imageDir, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("collector listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
