package postprocess

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func testLogo() image.Image {
	logo := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for x := 0; x < 40; x++ {
		for y := 0; y < 40; y++ {
			logo.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	return logo
}

func decodeDims(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	return cfg.Width, cfg.Height
}

func TestApplyDownscalesLargeImage(t *testing.T) {
	p := NewWithLogo(testLogo(), 768)

	out, err := p.Apply(encodePNG(t, 1536, 1024), true)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	w, h := decodeDims(t, out)
	if w != 768 || h != 512 {
		t.Fatalf("Expected 768x512, got %dx%d", w, h)
	}
}

func TestApplyKeepsSmallImageSize(t *testing.T) {
	p := NewWithLogo(testLogo(), 768)

	out, err := p.Apply(encodePNG(t, 600, 400), true)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	w, h := decodeDims(t, out)
	if w != 600 || h != 400 {
		t.Fatalf("Small image resized to %dx%d", w, h)
	}
}

func TestApplyWithoutDownscaleKeepsDimensions(t *testing.T) {
	p := NewWithLogo(testLogo(), 768)

	out, err := p.Apply(encodePNG(t, 1536, 1024), false)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	w, h := decodeDims(t, out)
	if w != 1536 || h != 1024 {
		t.Fatalf("Paid output resized to %dx%d", w, h)
	}
}

func TestApplyStampsWatermark(t *testing.T) {
	p := NewWithLogo(testLogo(), 768)

	src := encodePNG(t, 500, 500)
	out, err := p.Apply(src, true)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	// Logo is solid red and lands in the bottom-right corner with
	// padding. Sample a pixel inside that region.
	logoWidth := 40 // 8% of 500
	padding := 8    // 20% of logo width
	x := 500 - padding - logoWidth/2
	y := 500 - padding - logoWidth/2
	r, _, _, _ := img.At(x, y).RGBA()
	if r>>8 != 255 {
		t.Fatalf("Expected red watermark pixel at (%d,%d), got r=%d", x, y, r>>8)
	}
}

func TestApplyRejectsGarbage(t *testing.T) {
	p := NewWithLogo(testLogo(), 768)
	if _, err := p.Apply([]byte("not an image"), true); err == nil {
		t.Fatal("Garbage input treated as image")
	}
}
