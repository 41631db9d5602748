// Package detection asks a vision model where the eyes and mouth sit on an
// avatar image.
package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/avatar-studio/pkg/client"
	"github.com/menta2k/avatar-studio/pkg/log"
	"github.com/menta2k/avatar-studio/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SimpleTestPrompt for testing if the model can see images
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// LayoutPrompt asks for the facial feature boxes of a portrait.
const LayoutPrompt = `You are a facial feature locator for a cartoon or photo portrait.

Return JSON only:
{
  "left_eye":  {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0},
  "right_eye": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0},
  "mouth":     {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0},
  "confidence": 0.0
}

HARD RULES
- Coordinates are normalized to [0,1] (NOT pixels); x,y is the top-left corner.
- "left_eye" is the eye on the LEFT side of the image, "right_eye" the one on the right.
- Each box tightly covers the visible eye or the closed mouth.
- If there is no face, return all boxes as zeros and confidence 0.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// minConfidence below which a model answer is not trusted.
const minConfidence = 0.2

type layoutResponse struct {
	LeftEye    types.Box `json:"left_eye"`
	RightEye   types.Box `json:"right_eye"`
	Mouth      types.Box `json:"mouth"`
	Confidence *float64  `json:"confidence"`
}

// Detector locates avatar features using a vision model.
type Detector struct {
	client client.VisionClient
}

// NewDetector creates a new detector with a vision client
func NewDetector(client client.VisionClient) *Detector {
	return &Detector{client: client}
}

// LocateFeatures returns the eye and mouth boxes for the avatar in imgB64.
// Any answer that fails the sanity checks yields types.DefaultLayout(); the
// error is only non-nil when the backend itself failed.
func (d *Detector) LocateFeatures(ctx context.Context, model, imgB64 string) (types.FeatureLayout, error) {
	if d == nil || d.client == nil {
		return types.DefaultLayout(), nil
	}

	raw, err := d.client.QueryJSON(ctx, model, LayoutPrompt, imgB64)
	if err != nil {
		return types.DefaultLayout(), fmt.Errorf("locate features: %w", err)
	}

	w, h := imageSize(imgB64)
	layout, err := parseLayout(raw, w, h)
	if err != nil {
		log.Warn(log.Fields{"model": model, "error": err}, "vision layout rejected, using default layout")
		return types.DefaultLayout(), nil
	}
	layout.Source = "vision:" + model
	return layout, nil
}

// TestVision tests if the model can actually see the image with a simple prompt
func (d *Detector) TestVision(ctx context.Context, model, imageB64 string) (string, error) {
	return d.client.SimpleQuery(ctx, model, SimpleTestPrompt, imageB64)
}

func parseLayout(raw string, imgW, imgH int) (types.FeatureLayout, error) {
	raw = sanitizeModelJSON(raw)
	if !strings.HasPrefix(raw, "{") {
		return types.FeatureLayout{}, fmt.Errorf("no JSON object in model response")
	}

	var resp layoutResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return types.FeatureLayout{}, fmt.Errorf("parse model response: %w", err)
	}
	if resp.Confidence != nil && *resp.Confidence < minConfidence {
		return types.FeatureLayout{}, fmt.Errorf("confidence %.2f too low", *resp.Confidence)
	}

	layout := types.FeatureLayout{
		LeftEye:  normalizeBox(resp.LeftEye, imgW, imgH),
		RightEye: normalizeBox(resp.RightEye, imgW, imgH),
		Mouth:    normalizeBox(resp.Mouth, imgW, imgH),
	}
	if err := checkLayout(&layout); err != nil {
		return types.FeatureLayout{}, err
	}
	return layout, nil
}

// checkLayout rejects anatomically impossible answers and puts the eyes in
// image order.
func checkLayout(l *types.FeatureLayout) error {
	if l.LeftEye.Empty() || l.RightEye.Empty() || l.Mouth.Empty() {
		return fmt.Errorf("feature box missing")
	}

	lx, ly := l.LeftEye.Center()
	rx, ry := l.RightEye.Center()
	_, my := l.Mouth.Center()
	if ly >= my || ry >= my {
		return fmt.Errorf("eyes (%.2f, %.2f) not above mouth (%.2f)", ly, ry, my)
	}
	if lx > rx {
		l.LeftEye, l.RightEye = l.RightEye, l.LeftEye
	}
	if l.LeftEye == l.RightEye {
		return fmt.Errorf("both eyes share one box")
	}
	return nil
}

func imageSize(imgB64 string) (int, int) {
	data, err := base64.StdEncoding.DecodeString(imgB64)
	if err != nil {
		return 0, 0
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeBox converts pixel boxes to [0,1] when the model ignored the rules
// and keeps the box inside the image.
func normalizeBox(b types.Box, imgW, imgH int) types.Box {
	if imgW > 0 && imgH > 0 && (b.X > 1 || b.Y > 1 || b.W > 1 || b.H > 1) {
		b = types.Box{
			X: b.X / float64(imgW),
			Y: b.Y / float64(imgH),
			W: b.W / float64(imgW),
			H: b.H / float64(imgH),
		}
	}
	x := clamp(b.X, 0, 1)
	y := clamp(b.Y, 0, 1)
	return types.Box{
		X: x,
		Y: y,
		W: clamp(b.W, 0, 1-x),
		H: clamp(b.H, 0, 1-y),
	}
}

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reInline   = regexp.MustCompile(`(?m)//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// sanitizeModelJSON removes code fences, comments, and trailing commas from JSON response
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.Trim(strings.TrimSpace(raw), "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reInline.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
