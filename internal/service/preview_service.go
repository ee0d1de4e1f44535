package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mapleshot/mapleshot/internal/catalog"
	"github.com/mapleshot/mapleshot/internal/config"
	"github.com/mapleshot/mapleshot/internal/gemini"
	"github.com/mapleshot/mapleshot/internal/models"
	"github.com/mapleshot/mapleshot/internal/postprocess"
	"github.com/mapleshot/mapleshot/internal/ratelimit"
)

// PreviewService serves the anonymous path: no charge, hard daily
// limit, low quality, always watermarked and downscaled.
type PreviewService struct {
	cfg     config.Config
	log     *slog.Logger
	catalog *catalog.Catalog
	limiter *ratelimit.Daily
	gen     Generator
	post    *postprocess.Processor
	now     func() time.Time
}

type PreviewRequest struct {
	// Caller is the raw caller identifier (client IP). It is hashed
	// before use and never stored.
	Caller   string
	Photo    gemini.Blob
	PresetID string
}

type PreviewResult struct {
	// Images are inline data URIs; previews are never uploaded.
	Images  []string
	Receipt string
}

func NewPreviewService(cfg config.Config, log *slog.Logger, cat *catalog.Catalog, limiter *ratelimit.Daily, gen Generator, post *postprocess.Processor, now func() time.Time) *PreviewService {
	if now == nil {
		now = time.Now
	}
	return &PreviewService{
		cfg:     cfg,
		log:     log,
		catalog: cat,
		limiter: limiter,
		gen:     gen,
		post:    post,
		now:     now,
	}
}

func (s *PreviewService) Preview(ctx context.Context, req PreviewRequest) (*PreviewResult, error) {
	callerHash := hashKey(req.Caller)

	if allowed, _ := s.limiter.Allow(callerHash); !allowed {
		return nil, ErrRateLimited
	}

	preset, ok := s.catalog.Preset(req.PresetID)
	if !ok {
		return nil, ErrUnknownPreset
	}
	if preset.RequiresRefs {
		return nil, ErrRefsNotAllowed
	}
	if preset.CreditType() != models.CreditTypeImage {
		return nil, fmt.Errorf("%w: only image presets support preview", ErrInvalidRequest)
	}
	if len(req.Photo.Data) == 0 {
		return nil, fmt.Errorf("%w: photo payload is required", ErrInvalidRequest)
	}

	images := make([][]byte, len(preset.Prompts))
	g, gctx := errgroup.WithContext(ctx)
	for i, prompt := range preset.Prompts {
		i, prompt := i, prompt
		g.Go(func() error {
			img, err := s.gen.GenerateImage(gctx, gemini.ImageRequest{
				Prompt:  prompt,
				Photo:   req.Photo,
				Quality: gemini.QualityLow,
			})
			if err != nil {
				return err
			}
			processed, err := s.post.Apply(img.Data, true)
			if err != nil {
				return err
			}
			images[i] = processed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Error("preview generation failed", "preset", preset.ID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrUpstreamGeneration, err)
	}

	result := &PreviewResult{Images: make([]string, len(images))}
	for i, img := range images {
		result.Images[i] = "data:image/png;base64," + base64.StdEncoding.EncodeToString(img)
	}

	receipt, err := signReceipt(
		newReceipt(callerHash, preset.ID, hashKey(string(req.Photo.Data)), s.now()),
		s.cfg.ReceiptSecret,
	)
	if err != nil {
		return nil, err
	}
	result.Receipt = receipt

	s.log.Info("preview generated", "caller", callerHash, "preset", preset.ID, "images", len(result.Images))
	return result, nil
}

// ResetLimit clears a caller's preview allowance, for the admin reset
// endpoint.
func (s *PreviewService) ResetLimit(caller string) {
	s.limiter.Reset(hashKey(caller))
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
