package analyzer

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/chai2010/webp"
)

// createTestImage creates a simple test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r := uint8((x * 255) / width)
			g := uint8((y * 255) / height)
			img.Set(x, y, color.RGBA{r, g, 128, 255})
		}
	}
	return img
}

func encode(t *testing.T, format string, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	var err error
	switch format {
	case "png":
		err = png.Encode(&buf, img)
	case "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	case "webp":
		err = webp.Encode(&buf, img, &webp.Options{Lossless: true})
	case "gif":
		err = gif.Encode(&buf, img, nil)
	}
	if err != nil {
		t.Fatalf("encode %s: %v", format, err)
	}
	return buf.Bytes()
}

func TestValidateAvatarFormats(t *testing.T) {
	a := New()
	img := createTestImage(128, 128)

	for _, format := range []string{"png", "jpeg", "webp"} {
		info, err := a.ValidateAvatar(encode(t, format, img))
		if err != nil {
			t.Errorf("Expected %s to be accepted, got %v", format, err)
		}
		if info.Format != format || info.Width != 128 {
			t.Errorf("Unexpected info for %s: %+v", format, info)
		}
	}

	if _, err := a.ValidateAvatar(encode(t, "gif", img)); err == nil {
		t.Error("Expected gif to be rejected")
	}
}

func TestValidateAvatarSize(t *testing.T) {
	a := New()
	if _, err := a.ValidateAvatar(encode(t, "png", createTestImage(32, 32))); err == nil {
		t.Error("Expected small avatar to be rejected")
	}
	if _, err := a.ValidateAvatar(encode(t, "png", createTestImage(400, 100))); err == nil {
		t.Error("Expected 4:1 banner to be rejected")
	}
	if _, err := a.ValidateAvatar([]byte("not an image")); err == nil {
		t.Error("Expected garbage to be rejected")
	}
}

func TestNewWithConfig(t *testing.T) {
	a := NewWithConfig(Config{SupportedFormats: []string{"jpg"}, MinImageSize: 10})
	if _, err := a.ValidateAvatar(encode(t, "jpeg", createTestImage(20, 80))); err != nil {
		t.Errorf("Expected jpg alias and no aspect limit, got %v", err)
	}
	if _, err := a.ValidateAvatar(encode(t, "png", createTestImage(20, 20))); err == nil {
		t.Error("Expected png to be rejected by custom allow-list")
	}
}

func TestValidateAvatarFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avatar.png")
	if err := os.WriteFile(path, encode(t, "png", createTestImage(100, 100)), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := New().ValidateAvatarFile(path); err != nil {
		t.Errorf("Expected valid avatar, got %v", err)
	}
	if _, err := New().ValidateAvatarFile(filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestValidateImage(t *testing.T) {
	a := New()
	if err := a.ValidateImage(createTestImage(64, 64)); err != nil {
		t.Errorf("Expected 64px avatar to pass, got %v", err)
	}
	if err := a.ValidateImage(createTestImage(63, 200)); err == nil {
		t.Error("Expected narrow avatar to fail")
	}
}
