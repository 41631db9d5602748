// Package analyzer checks avatar images before they reach the compositor.
package analyzer

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"

	_ "golang.org/x/image/webp"
)

// AvatarAnalyzer validates avatar images.
type AvatarAnalyzer struct {
	config Config
}

// Config holds the avatar requirements.
type Config struct {
	SupportedFormats []string
	MinImageSize     int
	MaxAspectRatio   float64
}

// DefaultConfig accepts square-ish png, jpeg and webp portraits of at least
// 64 pixels per side.
func DefaultConfig() Config {
	return Config{
		SupportedFormats: []string{"png", "jpeg", "webp"},
		MinImageSize:     64,
		MaxAspectRatio:   3,
	}
}

// New creates an analyzer with DefaultConfig.
func New() *AvatarAnalyzer {
	return &AvatarAnalyzer{config: DefaultConfig()}
}

// NewWithConfig creates an analyzer with custom requirements.
func NewWithConfig(config Config) *AvatarAnalyzer {
	return &AvatarAnalyzer{config: config}
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Format      string
	Width       int
	Height      int
	AspectRatio float64
}

// Inspect reads only the image header.
func (a *AvatarAnalyzer) Inspect(r io.Reader) (ImageInfo, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to read image header: %w", err)
	}
	info := ImageInfo{Format: format, Width: cfg.Width, Height: cfg.Height}
	if cfg.Height > 0 {
		info.AspectRatio = float64(cfg.Width) / float64(cfg.Height)
	}
	return info, nil
}

// ValidateAvatar checks the encoded avatar against the format allow-list and
// size limits.
func (a *AvatarAnalyzer) ValidateAvatar(data []byte) (ImageInfo, error) {
	info, err := a.Inspect(bytes.NewReader(data))
	if err != nil {
		return info, err
	}
	if !a.isFormatSupported(info.Format) {
		return info, fmt.Errorf("unsupported avatar format: %s (allowed: %s)", info.Format, strings.Join(a.config.SupportedFormats, ", "))
	}
	if info.Width < a.config.MinImageSize || info.Height < a.config.MinImageSize {
		return info, fmt.Errorf("avatar too small: %dx%d (minimum: %d)", info.Width, info.Height, a.config.MinImageSize)
	}
	if limit := a.config.MaxAspectRatio; limit > 0 && (info.AspectRatio > limit || info.AspectRatio < 1/limit) {
		return info, fmt.Errorf("avatar aspect ratio %.2f outside 1:%.0f", info.AspectRatio, limit)
	}
	return info, nil
}

// ValidateAvatarFile reads and validates an avatar on disk.
func (a *AvatarAnalyzer) ValidateAvatarFile(path string) (ImageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to open avatar: %w", err)
	}
	return a.ValidateAvatar(data)
}

// ValidateImage checks a decoded image meets the minimum size.
func (a *AvatarAnalyzer) ValidateImage(img image.Image) error {
	bounds := img.Bounds()
	if bounds.Dx() < a.config.MinImageSize || bounds.Dy() < a.config.MinImageSize {
		return fmt.Errorf("avatar too small: %dx%d (minimum: %d)",
			bounds.Dx(), bounds.Dy(), a.config.MinImageSize)
	}
	return nil
}

func (a *AvatarAnalyzer) isFormatSupported(format string) bool {
	for _, supported := range a.config.SupportedFormats {
		if strings.EqualFold(format, supported) || (supported == "jpg" && format == "jpeg") {
			return true
		}
	}
	return false
}
