package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mapleshot/mapleshot/internal/catalog"
	"github.com/mapleshot/mapleshot/internal/config"
	"github.com/mapleshot/mapleshot/internal/gemini"
	"github.com/mapleshot/mapleshot/internal/ledger"
	"github.com/mapleshot/mapleshot/internal/models"
	"github.com/mapleshot/mapleshot/internal/postprocess"
	"github.com/mapleshot/mapleshot/internal/ratelimit"
)

// fakeGenerator returns a fixed 1x1 PNG for images and scripts the
// video operation lifecycle.
type fakeGenerator struct {
	mu         sync.Mutex
	imageCalls int
	imageErr   error

	startErr   error
	polls      int
	doneAfter  int
	videoData  []byte
	lastPrompt string
}

var tinyPNG = encodeTinyPNG()

func encodeTinyPNG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{B: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func (f *fakeGenerator) GenerateImage(_ context.Context, req gemini.ImageRequest) (gemini.Blob, error) {
	f.mu.Lock()
	f.imageCalls++
	f.lastPrompt = req.Prompt
	f.mu.Unlock()
	if f.imageErr != nil {
		return gemini.Blob{}, f.imageErr
	}
	return gemini.Blob{Data: tinyPNG, Mime: "image/png"}, nil
}

func (f *fakeGenerator) StartVideo(_ context.Context, req gemini.VideoRequest) (string, error) {
	f.lastPrompt = req.Prompt
	if f.startErr != nil {
		return "", f.startErr
	}
	return "operations/test", nil
}

func (f *fakeGenerator) GetVideoOperation(_ context.Context, name string) (gemini.VideoOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls >= f.doneAfter {
		return gemini.VideoOperation{Name: name, Done: true, VideoURI: "https://files.example/out.mp4"}, nil
	}
	return gemini.VideoOperation{Name: name, Done: false}, nil
}

func (f *fakeGenerator) DownloadVideo(context.Context, string) ([]byte, error) {
	if f.videoData == nil {
		return []byte("mp4-bytes"), nil
	}
	return f.videoData, nil
}

type fakeUploader struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeUploader) Upload(_ context.Context, _ []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, contentType)
	return "https://cdn.example/output-" + contentType, nil
}

type fakeArchiver struct {
	mu      sync.Mutex
	entries []models.GenerationLog
}

func (f *fakeArchiver) Log(_ context.Context, entry models.GenerationLog) error {
	f.mu.Lock()
	f.entries = append(f.entries, entry)
	f.mu.Unlock()
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	return config.Config{
		VideoPollInterval:    time.Millisecond,
		VideoMaxWait:         time.Second,
		FreeTierMaxDimension: 768,
		ReceiptSecret:        "receipt-secret",
	}
}

func testLogo() image.Image {
	logo := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			logo.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	return logo
}

type serviceDeps struct {
	gen     *fakeGenerator
	upload  *fakeUploader
	archive *fakeArchiver
	store   *ledger.MemoryStore
	ledger  *ledger.Ledger
	svc     *GenerationService
}

func newTestService(t *testing.T, cfg config.Config) *serviceDeps {
	t.Helper()

	cat, err := catalog.Load("")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	store := ledger.NewMemoryStore()
	led := ledger.New(store, ledger.NewMemoryEventSet(), discardLogger(), ledger.Options{})

	gen := &fakeGenerator{doneAfter: 1}
	upload := &fakeUploader{}
	archive := &fakeArchiver{}

	svc, err := NewGenerationService(cfg, discardLogger(), cat, led, gen,
		postprocess.NewWithLogo(testLogo(), cfg.FreeTierMaxDimension), upload, archive)
	if err != nil {
		t.Fatalf("build service: %v", err)
	}

	return &serviceDeps{gen: gen, upload: upload, archive: archive, store: store, ledger: led, svc: svc}
}

func photoBlob() gemini.Blob {
	return gemini.Blob{Data: tinyPNG, Mime: "image/png"}
}

func TestGenerateChargesAndFansOut(t *testing.T) {
	d := newTestService(t, testConfig())
	d.store.Seed("user@example.com", ledger.EncodeAccount(models.CreditAccount{PaidImageCredits: 3}))

	res, err := d.svc.Generate(context.Background(), GenerationRequest{
		Identity: "user@example.com",
		Photo:    photoBlob(),
		PresetID: "mapleAutumn",
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if res.ContentType != models.CreditTypeImage || res.UsedFreeCredit {
		t.Fatalf("Unexpected result: %+v", res)
	}
	if len(res.URLs) != 4 {
		t.Fatalf("Expected 4 output URLs, got %d", len(res.URLs))
	}
	if d.gen.imageCalls != 4 {
		t.Fatalf("Expected 4 upstream calls, got %d", d.gen.imageCalls)
	}

	acct, err := d.ledger.Read(context.Background(), "user@example.com")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if acct.PaidImageCredits != 2 {
		t.Fatalf("Expected 2 paid credits left, got %d", acct.PaidImageCredits)
	}
	if len(d.archive.entries) != 1 || d.archive.entries[0].CostType != models.CostTypePaid {
		t.Fatalf("Unexpected archive entries: %+v", d.archive.entries)
	}
}

func TestGenerateInsufficientCreditsNamesType(t *testing.T) {
	d := newTestService(t, testConfig())
	d.store.Seed("user@example.com", ledger.EncodeAccount(models.CreditAccount{PaidImageCredits: 5}))

	_, err := d.svc.Generate(context.Background(), GenerationRequest{
		Identity: "user@example.com",
		Photo:    photoBlob(),
		PresetID: "livingPortrait", // video preset, no video credits
	})

	var insufficient *InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("Expected InsufficientCreditsError, got %v", err)
	}
	if insufficient.CreditType != models.CreditTypeVideo {
		t.Fatalf("Error names wrong credit type: %s", insufficient.CreditType)
	}
	if d.gen.imageCalls != 0 {
		t.Fatal("Upstream called despite insufficient credits")
	}
}

func TestGenerateUnknownPresetRejectedBeforeCharge(t *testing.T) {
	d := newTestService(t, testConfig())
	d.store.Seed("user@example.com", ledger.EncodeAccount(models.CreditAccount{PaidImageCredits: 1}))

	_, err := d.svc.Generate(context.Background(), GenerationRequest{
		Identity: "user@example.com",
		Photo:    photoBlob(),
		PresetID: "nope",
	})
	if !errors.Is(err, ErrUnknownPreset) {
		t.Fatalf("Expected ErrUnknownPreset, got %v", err)
	}

	acct, _ := d.ledger.Read(context.Background(), "user@example.com")
	if acct.PaidImageCredits != 1 {
		t.Fatal("Charge happened for unknown preset")
	}
}

// A failed generation does not restore the charged credit.
func TestGenerateFailureDoesNotRefund(t *testing.T) {
	d := newTestService(t, testConfig())
	d.store.Seed("user@example.com", ledger.EncodeAccount(models.CreditAccount{PaidImageCredits: 1}))
	d.gen.imageErr = errors.New("upstream exploded")

	_, err := d.svc.Generate(context.Background(), GenerationRequest{
		Identity: "user@example.com",
		Photo:    photoBlob(),
		PresetID: "mapleAutumn",
	})
	if !errors.Is(err, ErrUpstreamGeneration) {
		t.Fatalf("Expected ErrUpstreamGeneration, got %v", err)
	}

	acct, _ := d.ledger.Read(context.Background(), "user@example.com")
	if acct.PaidImageCredits != 0 {
		t.Fatalf("Credit restored after failure: %d", acct.PaidImageCredits)
	}
}

func TestGenerateVideoPollsToCompletion(t *testing.T) {
	d := newTestService(t, testConfig())
	d.store.Seed("user@example.com", ledger.EncodeAccount(models.CreditAccount{PaidVideoCredits: 1}))
	d.gen.doneAfter = 3

	res, err := d.svc.Generate(context.Background(), GenerationRequest{
		Identity: "user@example.com",
		Photo:    photoBlob(),
		PresetID: "livingPortrait",
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if res.VideoURL == "" || res.ContentType != models.CreditTypeVideo {
		t.Fatalf("Unexpected result: %+v", res)
	}
	if d.gen.polls < 3 {
		t.Fatalf("Expected at least 3 polls, got %d", d.gen.polls)
	}
	if len(d.upload.calls) != 1 || d.upload.calls[0] != "video/mp4" {
		t.Fatalf("Unexpected uploads: %v", d.upload.calls)
	}
}

func TestGenerateVideoTimeoutKeepsCreditSpent(t *testing.T) {
	cfg := testConfig()
	cfg.VideoMaxWait = 5 * time.Millisecond
	cfg.VideoPollInterval = time.Millisecond

	d := newTestService(t, cfg)
	d.store.Seed("user@example.com", ledger.EncodeAccount(models.CreditAccount{PaidVideoCredits: 1}))
	d.gen.doneAfter = 1 << 30 // never finishes

	_, err := d.svc.Generate(context.Background(), GenerationRequest{
		Identity: "user@example.com",
		Photo:    photoBlob(),
		PresetID: "livingPortrait",
	})
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("Expected ErrUpstreamTimeout, got %v", err)
	}

	acct, _ := d.ledger.Read(context.Background(), "user@example.com")
	if acct.PaidVideoCredits != 0 {
		t.Fatal("Timed-out video refunded the credit")
	}
}

func TestGenerateVideoCancellationStopsPolling(t *testing.T) {
	d := newTestService(t, testConfig())
	d.store.Seed("user@example.com", ledger.EncodeAccount(models.CreditAccount{PaidVideoCredits: 1}))
	d.gen.doneAfter = 1 << 30

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := d.svc.Generate(ctx, GenerationRequest{
		Identity: "user@example.com",
		Photo:    photoBlob(),
		PresetID: "livingPortrait",
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestGenerateUsesFreeCreditAndDownscaleFlag(t *testing.T) {
	d := newTestService(t, testConfig())
	d.store.Seed("user@example.com", ledger.EncodeAccount(models.CreditAccount{
		FreeImageCredits: 1,
		PaidImageCredits: 1,
	}))

	res, err := d.svc.Generate(context.Background(), GenerationRequest{
		Identity: "user@example.com",
		Photo:    photoBlob(),
		PresetID: "mapleAutumn",
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !res.UsedFreeCredit {
		t.Fatal("Free credit not used first")
	}
	if len(d.archive.entries) != 1 || d.archive.entries[0].CostType != models.CostTypeFree {
		t.Fatalf("Archive entry missing free cost type: %+v", d.archive.entries)
	}
}

func TestGenerateStyleModifierAppended(t *testing.T) {
	d := newTestService(t, testConfig())
	d.store.Seed("user@example.com", ledger.EncodeAccount(models.CreditAccount{PaidImageCredits: 1}))

	_, err := d.svc.Generate(context.Background(), GenerationRequest{
		Identity: "user@example.com",
		Photo:    photoBlob(),
		PresetID: "mapleAutumn",
		StyleID:  "watercolor",
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !strings.Contains(d.gen.lastPrompt, "watercolor painting") {
		t.Fatalf("Style modifier not applied: %q", d.gen.lastPrompt)
	}
}

func TestGenerateUnknownStyleRejected(t *testing.T) {
	d := newTestService(t, testConfig())
	d.store.Seed("user@example.com", ledger.EncodeAccount(models.CreditAccount{PaidImageCredits: 1}))

	_, err := d.svc.Generate(context.Background(), GenerationRequest{
		Identity: "user@example.com",
		Photo:    photoBlob(),
		PresetID: "mapleAutumn",
		StyleID:  "neon",
	})
	if !errors.Is(err, ErrUnknownStyle) {
		t.Fatalf("Expected ErrUnknownStyle, got %v", err)
	}
}

func newTestPreview(t *testing.T, limit int) (*PreviewService, *fakeGenerator) {
	t.Helper()
	cat, err := catalog.Load("")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gen := &fakeGenerator{}
	svc := NewPreviewService(testConfig(), discardLogger(), cat,
		ratelimit.NewDaily(limit, func() time.Time { return now }), gen,
		postprocess.NewWithLogo(testLogo(), 768),
		func() time.Time { return now })
	return svc, gen
}

func TestPreviewReturnsInlineImagesAndReceipt(t *testing.T) {
	svc, gen := newTestPreview(t, 1)

	res, err := svc.Preview(context.Background(), PreviewRequest{
		Caller:   "203.0.113.9",
		Photo:    photoBlob(),
		PresetID: "mapleAutumn",
	})
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	if len(res.Images) != 4 {
		t.Fatalf("Expected 4 preview images, got %d", len(res.Images))
	}
	for _, img := range res.Images {
		if !strings.HasPrefix(img, "data:image/png;base64,") {
			t.Fatalf("Preview image not inline: %.40s", img)
		}
	}
	if gen.imageCalls != 4 {
		t.Fatalf("Expected 4 upstream calls, got %d", gen.imageCalls)
	}

	receipt, err := VerifyReceipt(res.Receipt, "receipt-secret")
	if err != nil {
		t.Fatalf("VerifyReceipt failed: %v", err)
	}
	if receipt.PresetID != "mapleAutumn" || receipt.Type != "preview" || receipt.Version != "1.0" {
		t.Fatalf("Unexpected receipt: %+v", receipt)
	}
	if receipt.Caller == "203.0.113.9" {
		t.Fatal("Receipt carries the raw caller identifier")
	}
}

func TestPreviewRateLimited(t *testing.T) {
	svc, _ := newTestPreview(t, 1)
	req := PreviewRequest{Caller: "203.0.113.9", Photo: photoBlob(), PresetID: "mapleAutumn"}

	if _, err := svc.Preview(context.Background(), req); err != nil {
		t.Fatalf("First preview failed: %v", err)
	}
	if _, err := svc.Preview(context.Background(), req); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Expected ErrRateLimited, got %v", err)
	}

	// Reset restores the allowance.
	svc.ResetLimit("203.0.113.9")
	if _, err := svc.Preview(context.Background(), req); err != nil {
		t.Fatalf("Preview after reset failed: %v", err)
	}
}

func TestPreviewRefsPresetForbidden(t *testing.T) {
	svc, gen := newTestPreview(t, 5)

	_, err := svc.Preview(context.Background(), PreviewRequest{
		Caller:   "203.0.113.9",
		Photo:    photoBlob(),
		PresetID: "withus",
	})
	if !errors.Is(err, ErrRefsNotAllowed) {
		t.Fatalf("Expected ErrRefsNotAllowed, got %v", err)
	}
	if gen.imageCalls != 0 {
		t.Fatal("Refs preset reached the upstream on preview")
	}
}

func TestReceiptTamperDetected(t *testing.T) {
	token, err := signReceipt(newReceipt("abc", "mapleAutumn", "hash", time.Now()), "secret")
	if err != nil {
		t.Fatalf("signReceipt failed: %v", err)
	}
	if _, err := VerifyReceipt(token, "secret"); err != nil {
		t.Fatalf("Valid receipt rejected: %v", err)
	}
	if _, err := VerifyReceipt(token, "other-secret"); err == nil {
		t.Fatal("Receipt accepted under wrong secret")
	}
	if _, err := VerifyReceipt("garbage", "secret"); err == nil {
		t.Fatal("Garbage receipt accepted")
	}
}
