// Package compositor draws the avatar for the current pose.
//
// Render runs on every repaint tick regardless of detection rate, always with
// whatever pose it is handed, so a stale pose simply redraws the last look.
// Expressions use tinted overlays on a single avatar image: darkening
// ellipses over closing eyes and a mouth ellipse that grows with openness.
package compositor

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/menta2k/avatar-studio/pkg/log"
	"github.com/menta2k/avatar-studio/pkg/processing"
	"github.com/menta2k/avatar-studio/pkg/types"
)

// AvatarLoader fetches the avatar image; *processing.Processor implements it.
type AvatarLoader interface {
	LoadImageSmart(ctx context.Context, source string) (image.Image, error)
}

// Compositor renders frames. It is safe for concurrent use: the avatar and
// layout are swapped atomically and never mutated after publishing.
type Compositor struct {
	cfg    Config
	avatar atomic.Pointer[image.NRGBA]
	layout atomic.Pointer[types.FeatureLayout]
}

// New creates a compositor with no avatar; it renders the placeholder until
// SetAvatar is called.
func New(cfg Config) (*Compositor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid compositor config: %w", err)
	}
	c := &Compositor{cfg: cfg}
	layout := types.DefaultLayout()
	c.layout.Store(&layout)
	return c, nil
}

// Size returns the canvas size.
func (c *Compositor) Size() (int, int) {
	return c.cfg.Width, c.cfg.Height
}

// SetAvatar fits img to the canvas and publishes it.
func (c *Compositor) SetAvatar(img image.Image) {
	c.avatar.Store(processing.FitAvatar(img, c.cfg.Width, c.cfg.Height))
}

// SetLayout replaces the feature layout used to place overlays.
func (c *Compositor) SetLayout(layout types.FeatureLayout) {
	c.layout.Store(&layout)
}

// Layout returns the current feature layout.
func (c *Compositor) Layout() types.FeatureLayout {
	return *c.layout.Load()
}

// HasAvatar reports whether an avatar has been published.
func (c *Compositor) HasAvatar() bool {
	return c.avatar.Load() != nil
}

// LoadAvatarAsync loads source in the background. The returned channel gets
// the result and is then closed; the placeholder stays up on failure.
func (c *Compositor) LoadAvatarAsync(ctx context.Context, loader AvatarLoader, source string) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		start := time.Now()
		img, err := loader.LoadImageSmart(ctx, source)
		if err != nil {
			log.Warn(log.Fields{"source": source, "error": err}, "avatar failed to load")
			done <- fmt.Errorf("failed to load avatar: %w", err)
			return
		}
		c.SetAvatar(img)
		log.Info(log.Fields{"source": source, "took": time.Since(start).String()}, "avatar loaded")
		done <- nil
	}()
	return done
}

// Plan computes the frame geometry without drawing.
func (c *Compositor) Plan(pose types.PoseState, status types.Status, now time.Time) Plan {
	if c.avatar.Load() == nil {
		return Plan{Placeholder: true}
	}
	return planFrame(c.cfg, c.Layout(), pose, status, now)
}

// Render draws one frame into a new image.
func (c *Compositor) Render(pose types.PoseState, status types.Status, now time.Time) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, c.cfg.Width, c.cfg.Height))

	avatar := c.avatar.Load()
	if avatar == nil {
		c.drawPlaceholder(dst)
		return dst
	}

	plan := planFrame(c.cfg, c.Layout(), pose, status, now)
	draw.BiLinear.Transform(dst, plan.Transform, avatar, avatar.Bounds(), draw.Over, nil)

	for _, e := range plan.EyeShades {
		fillEllipse(dst, e)
	}
	if plan.Mouth != nil {
		fillEllipse(dst, *plan.Mouth)
	}
	if plan.Border {
		in := c.cfg.BorderInset
		processing.StrokeRect(dst, image.Rect(in, in, c.cfg.Width-in, c.cfg.Height-in), borderColor, c.cfg.BorderWidth)
	}
	return dst
}

func (c *Compositor) drawPlaceholder(dst *image.NRGBA) {
	draw.Draw(dst, dst.Bounds(), image.NewUniform(placeholderBG), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(placeholderFG),
		Face: basicfont.Face7x13,
	}
	width := d.MeasureString(c.cfg.PlaceholderText).Round()
	d.Dot = fixed.P((c.cfg.Width-width)/2, c.cfg.Height/2)
	d.DrawString(c.cfg.PlaceholderText)
}

// fillEllipse blends e over dst with a one-pixel soft edge.
func fillEllipse(dst *image.NRGBA, e Ellipse) {
	if e.RX <= 0 || e.RY <= 0 || e.Color.A == 0 {
		return
	}
	r := math.Max(e.RX, e.RY) + 1
	bounds := image.Rect(
		int(math.Floor(e.CX-r)), int(math.Floor(e.CY-r)),
		int(math.Ceil(e.CX+r)), int(math.Ceil(e.CY+r)),
	).Intersect(dst.Bounds())
	if bounds.Empty() {
		return
	}

	mask := image.NewAlpha(bounds)
	sin, cos := math.Sincos(e.Angle)
	feather := 1 / math.Min(e.RX, e.RY)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			px, py := float64(x)+0.5-e.CX, float64(y)+0.5-e.CY
			u := px*cos + py*sin
			v := -px*sin + py*cos
			d := math.Sqrt((u*u)/(e.RX*e.RX) + (v*v)/(e.RY*e.RY))
			cover := clamp((1-d)/feather+0.5, 0, 1)
			if cover > 0 {
				mask.Pix[mask.PixOffset(x, y)] = uint8(cover*255 + 0.5)
			}
		}
	}
	draw.DrawMask(dst, bounds, image.NewUniform(e.Color), image.Point{}, mask, bounds.Min, draw.Over)
}
