// Command pdfbatchd serves the batch-job API and runs the PDF processing
// pool.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mkarlsen/pdfbatch/internal/cache"
	"github.com/mkarlsen/pdfbatch/internal/config"
	"github.com/mkarlsen/pdfbatch/internal/pdf"
	"github.com/mkarlsen/pdfbatch/internal/processor"
	"github.com/mkarlsen/pdfbatch/internal/server"
	"github.com/mkarlsen/pdfbatch/internal/storage"
)

func main() {
	cfg := config.Load()

	slogger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()

	db, err := openDatabase(cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}

	repo := storage.NewRepository(db)
	if err := repo.Migrate(context.Background()); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	for _, dir := range []string{cfg.UploadDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("create %s: %v", dir, err)
		}
	}

	store := cache.New()

	proc := processor.New(repo, pdf.NewExtractor(cfg.OutputDir), slogger, processor.Config{
		PoolSize:       cfg.PoolSize,
		PerFileTimeout: cfg.PerFileTimeout,
		PerJobTimeout:  cfg.PerJobTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := proc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slogger.Error("processor stopped", "error", err)
		}
	}()

	if err := proc.Recover(ctx); err != nil {
		slogger.Error("failed to recover in-flight jobs", "error", err)
	}

	sup := processor.NewSupervisor(repo, store, slogger, cfg.PerJobTimeout+5*time.Minute)
	if err := sup.Start(); err != nil {
		log.Fatalf("start supervisor: %v", err)
	}
	defer sup.Stop()

	srv := server.New(server.Options{
		Repo:      repo,
		Cache:     store,
		Processor: proc,
		Logger:    slogger,
		Resolver:  server.TokenResolver(cfg.APITokens),
		UploadDir: cfg.UploadDir,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	slogger.Info("listening", "addr", cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("serve: %v", err)
	}
}

// openDatabase connects to Postgres when a DSN is configured, otherwise to
// the local SQLite file.
func openDatabase(cfg config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}
	if cfg.DatabaseURL != "" {
		return gorm.Open(postgres.Open(cfg.DatabaseURL), gormCfg)
	}
	return gorm.Open(sqlite.Open(cfg.SQLitePath+"?_busy_timeout=5000"), gormCfg)
}
