package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mapleshot/mapleshot/internal/catalog"
	"github.com/mapleshot/mapleshot/internal/config"
	"github.com/mapleshot/mapleshot/internal/gemini"
	"github.com/mapleshot/mapleshot/internal/ledger"
	"github.com/mapleshot/mapleshot/internal/models"
	"github.com/mapleshot/mapleshot/internal/postprocess"
)

// Generator is the slice of the upstream client the orchestrator uses.
type Generator interface {
	GenerateImage(ctx context.Context, req gemini.ImageRequest) (gemini.Blob, error)
	StartVideo(ctx context.Context, req gemini.VideoRequest) (string, error)
	GetVideoOperation(ctx context.Context, name string) (gemini.VideoOperation, error)
	DownloadVideo(ctx context.Context, uri string) ([]byte, error)
}

// Uploader stores a finished output and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// Archiver records completed generations. Failures are logged, never
// surfaced.
type Archiver interface {
	Log(ctx context.Context, entry models.GenerationLog) error
}

type GenerationService struct {
	cfg     config.Config
	log     *slog.Logger
	catalog *catalog.Catalog
	ledger  *ledger.Ledger
	gen     Generator
	post    *postprocess.Processor
	upload  Uploader
	archive Archiver

	refs []gemini.Blob
}

type GenerationRequest struct {
	Identity string
	Photo    gemini.Blob
	PresetID string
	StyleID  string
}

type GenerationResult struct {
	URLs           []string
	VideoURL       string
	ContentType    models.CreditType
	UsedFreeCredit bool
}

func NewGenerationService(cfg config.Config, log *slog.Logger, cat *catalog.Catalog, led *ledger.Ledger, gen Generator, post *postprocess.Processor, upload Uploader, archive Archiver) (*GenerationService, error) {
	refs, err := loadReferenceImages(cfg.ReferenceImagePaths)
	if err != nil {
		return nil, err
	}
	return &GenerationService{
		cfg:     cfg,
		log:     log,
		catalog: cat,
		ledger:  led,
		gen:     gen,
		post:    post,
		upload:  upload,
		archive: archive,
		refs:    refs,
	}, nil
}

// Generate runs the full authenticated pipeline: validate, charge,
// generate, post-process, upload. The charge lands before generation
// starts and is not restored if generation later fails.
func (s *GenerationService) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	preset, prompts, err := s.resolve(req)
	if err != nil {
		return nil, err
	}

	creditType := preset.CreditType()
	hash := requestHash(req.Photo.Data)

	charge, err := s.ledger.Charge(ctx, req.Identity, creditType, preset.ID, hash, int64(len(req.Photo.Data)))
	if err != nil {
		return nil, fmt.Errorf("charge credit: %w", err)
	}
	if !charge.OK {
		return nil, &InsufficientCreditsError{CreditType: creditType}
	}

	s.log.Info("credit charged",
		"identity", req.Identity,
		"preset", preset.ID,
		"type", creditType,
		"used_free", charge.UsedFree,
	)

	result := &GenerationResult{ContentType: creditType, UsedFreeCredit: charge.UsedFree}

	switch creditType {
	case models.CreditTypeVideo:
		url, err := s.generateVideo(ctx, req.Photo, prompts[0])
		if err != nil {
			return nil, err
		}
		result.VideoURL = url
	default:
		urls, err := s.generateImages(ctx, req.Photo, prompts, preset, charge.UsedFree)
		if err != nil {
			return nil, err
		}
		result.URLs = urls
	}

	s.archiveLog(ctx, req.Identity, preset.ID, creditType, charge.UsedFree, hash)
	return result, nil
}

func (s *GenerationService) resolve(req GenerationRequest) (catalog.Preset, []string, error) {
	preset, ok := s.catalog.Preset(req.PresetID)
	if !ok {
		return catalog.Preset{}, nil, ErrUnknownPreset
	}
	if len(req.Photo.Data) == 0 {
		return catalog.Preset{}, nil, fmt.Errorf("%w: photo payload is required", ErrInvalidRequest)
	}
	if preset.RequiresRefs && len(s.refs) == 0 {
		return catalog.Preset{}, nil, fmt.Errorf("%w: preset %s needs reference images", ErrInvalidRequest, preset.ID)
	}

	prompts := preset.Prompts
	if req.StyleID != "" {
		style, ok := s.catalog.Style(req.StyleID)
		if !ok {
			return catalog.Preset{}, nil, ErrUnknownStyle
		}
		if style.Modifier != "" {
			styled := make([]string, len(prompts))
			for i, p := range prompts {
				styled[i] = p + " " + style.Modifier
			}
			prompts = styled
		}
	}
	return preset, prompts, nil
}

// generateImages runs one upstream call per prompt concurrently. Any
// failure fails the whole request.
func (s *GenerationService) generateImages(ctx context.Context, photo gemini.Blob, prompts []string, preset catalog.Preset, usedFree bool) ([]string, error) {
	var refs []gemini.Blob
	if preset.RequiresRefs {
		refs = s.refs
	}

	images := make([]gemini.Blob, len(prompts))
	g, gctx := errgroup.WithContext(ctx)
	for i, prompt := range prompts {
		i, prompt := i, prompt
		g.Go(func() error {
			img, err := s.gen.GenerateImage(gctx, gemini.ImageRequest{
				Prompt:     prompt,
				Photo:      photo,
				References: refs,
				Quality:    gemini.QualityHigh,
			})
			if err != nil {
				return err
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Error("image generation failed", "preset", preset.ID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrUpstreamGeneration, err)
	}

	urls := make([]string, len(images))
	for i, img := range images {
		processed, err := s.post.Apply(img.Data, usedFree)
		if err != nil {
			return nil, fmt.Errorf("%w: postprocess: %w", ErrUpstreamGeneration, err)
		}
		url, err := s.upload.Upload(ctx, processed, "image/png")
		if err != nil {
			return nil, fmt.Errorf("upload output: %w", err)
		}
		urls[i] = url
	}
	return urls, nil
}

// generateVideo starts the long-running operation and polls it at a
// fixed interval until done, the wall-clock ceiling passes, or ctx is
// cancelled.
func (s *GenerationService) generateVideo(ctx context.Context, photo gemini.Blob, prompt string) (string, error) {
	name, err := s.gen.StartVideo(ctx, gemini.VideoRequest{Prompt: prompt, Photo: photo})
	if err != nil {
		s.log.Error("video start failed", "error", err)
		return "", fmt.Errorf("%w: %w", ErrUpstreamGeneration, err)
	}

	deadline := time.Now().Add(s.cfg.VideoMaxWait)
	ticker := time.NewTicker(s.cfg.VideoPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			s.log.Warn("video operation timed out", "operation", name, "max_wait", s.cfg.VideoMaxWait)
			return "", ErrUpstreamTimeout
		}

		op, err := s.gen.GetVideoOperation(ctx, name)
		if err != nil {
			s.log.Error("video poll failed", "operation", name, "error", err)
			return "", fmt.Errorf("%w: %w", ErrUpstreamGeneration, err)
		}
		if !op.Done {
			continue
		}

		data, err := s.gen.DownloadVideo(ctx, op.VideoURI)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrUpstreamGeneration, err)
		}
		url, err := s.upload.Upload(ctx, data, "video/mp4")
		if err != nil {
			return "", fmt.Errorf("upload output: %w", err)
		}
		return url, nil
	}
}

func (s *GenerationService) archiveLog(ctx context.Context, identity, presetID string, creditType models.CreditType, usedFree bool, hash string) {
	if s.archive == nil {
		return
	}
	costType := models.CostTypePaid
	if usedFree {
		costType = models.CostTypeFree
	}
	err := s.archive.Log(ctx, models.GenerationLog{
		Identity:    identity,
		PresetID:    presetID,
		ContentType: creditType,
		CostType:    costType,
		RequestHash: hash,
	})
	if err != nil {
		s.log.Error("archive generation log", "identity", identity, "error", err)
	}
}

func requestHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

func loadReferenceImages(paths []string) ([]gemini.Blob, error) {
	var refs []gemini.Blob
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read reference image %s: %w", p, err)
		}
		refs = append(refs, gemini.Blob{Data: data, Mime: mimeFromPath(p)})
	}
	return refs, nil
}

func mimeFromPath(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
