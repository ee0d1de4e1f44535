package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/mapleshot/mapleshot/internal/catalog"
	"github.com/mapleshot/mapleshot/internal/config"
	"github.com/mapleshot/mapleshot/internal/custapi"
	"github.com/mapleshot/mapleshot/internal/database"
	"github.com/mapleshot/mapleshot/internal/gemini"
	"github.com/mapleshot/mapleshot/internal/identity"
	"github.com/mapleshot/mapleshot/internal/ledger"
	"github.com/mapleshot/mapleshot/internal/payment"
	"github.com/mapleshot/mapleshot/internal/postprocess"
	"github.com/mapleshot/mapleshot/internal/ratelimit"
	"github.com/mapleshot/mapleshot/internal/repository"
	"github.com/mapleshot/mapleshot/internal/server"
	"github.com/mapleshot/mapleshot/internal/service"
	"github.com/mapleshot/mapleshot/internal/storage"
	"github.com/mapleshot/mapleshot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		log.Fatalf("catalog: %v", err)
	}
	if err := cat.ValidateRefs(cfg.ReferenceImagePaths); err != nil {
		logr.Warn("reference images missing", "err", err)
	}

	topUpRepo := repository.NewTopUpRepository(db)
	generationRepo := repository.NewGenerationRepository(db)

	customerAPI := custapi.NewClient(cfg, logr)
	led := ledger.New(customerAPI, topUpRepo, logr, ledger.Options{
		FreeImageCredits: cfg.FreeImageCredits,
		FreeVideoCredits: cfg.FreeVideoCredits,
	})

	geminiClient := gemini.NewClient(cfg, logr)

	post, err := postprocess.New(cfg.WatermarkLogoPath, cfg.FreeTierMaxDimension)
	if err != nil {
		log.Fatalf("postprocess: %v", err)
	}

	uploader, err := storage.NewUploader(storage.Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
		Prefix:        cfg.S3Prefix,
	})
	if err != nil {
		log.Fatalf("storage uploader: %v", err)
	}

	generationService, err := service.NewGenerationService(cfg, logr, cat, led, geminiClient, post, uploader, generationRepo)
	if err != nil {
		log.Fatalf("generation service: %v", err)
	}

	limiter := ratelimit.NewDaily(cfg.PreviewDailyLimit, nil)
	go sweepLimiter(ctx, limiter)

	previewService := service.NewPreviewService(cfg, logr, cat, limiter, geminiClient, post, nil)
	processor := payment.NewProcessor(cat, led, logr)
	resolver := identity.NewHTTPResolver(cfg.IdentityVerifyURL, cfg.RequestTimeout)

	srv := server.NewServer(cfg, logr, cat, led, resolver, generationService, previewService, processor, customerAPI)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("server stopped", "err", err)
	}
}

// sweepLimiter trims stale per-day counters so key cardinality stays
// bounded over the process lifetime.
func sweepLimiter(ctx context.Context, limiter *ratelimit.Daily) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep()
		}
	}
}
