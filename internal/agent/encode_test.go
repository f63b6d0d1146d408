package agent

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func TestEncodeJPEGScalesDown(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2560, 1440))
	for x := 0; x < 2560; x += 7 {
		src.Set(x, x%1440, color.RGBA{R: 200, A: 255})
	}

	data, err := EncodeJPEG(src, 1280, 30)
	if err != nil {
		t.Fatalf("EncodeJPEG: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if cfg.Width != 1280 || cfg.Height != 720 {
		t.Errorf("size = %dx%d, want 1280x720", cfg.Width, cfg.Height)
	}
}

func TestEncodeJPEGKeepsSmallImages(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 800, 600))
	data, err := EncodeJPEG(src, 1280, 50)
	if err != nil {
		t.Fatalf("EncodeJPEG: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if cfg.Width != 800 || cfg.Height != 600 {
		t.Errorf("size = %dx%d, want 800x600", cfg.Width, cfg.Height)
	}
}
