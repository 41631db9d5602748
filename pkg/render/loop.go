// Package render repaints the avatar on every refresh tick and lets callers
// sample the painted frames as a stream.
package render

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/menta2k/avatar-studio/pkg/compositor"
	"github.com/menta2k/avatar-studio/pkg/log"
	"github.com/menta2k/avatar-studio/pkg/types"
	"github.com/menta2k/avatar-studio/pkg/vsync"
)

// PoseSource supplies the state to draw. The tracking controller implements it.
type PoseSource interface {
	Pose() types.PoseState
	Status() (types.Status, string)
}

// Frame is one painted canvas. Image is never modified after publishing.
type Frame struct {
	Image  *image.NRGBA
	Pose   types.PoseState
	Status types.Status
	At     time.Time
	Seq    uint64
}

// Loop repaints on each tick of its signal without waiting on detection.
type Loop struct {
	comp   *compositor.Compositor
	src    PoseSource
	signal vsync.Signal

	seq    atomic.Uint64
	latest atomic.Pointer[Frame]

	mu      sync.Mutex
	running bool
}

// New creates a loop. It draws nothing until Run or RenderOnce is called.
func New(comp *compositor.Compositor, src PoseSource, signal vsync.Signal) *Loop {
	if signal == nil {
		signal = vsync.NewTicker(vsync.DefaultRefreshRate)
	}
	return &Loop{comp: comp, src: src, signal: signal}
}

// Run repaints until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	log.Debug(log.Fields{"component": "render"}, "render loop started")
	for {
		select {
		case <-ctx.Done():
			log.Debug(log.Fields{"component": "render", "frames": l.seq.Load()}, "render loop stopped")
			return ctx.Err()
		case now := <-l.signal.C():
			l.RenderOnce(now)
		}
	}
}

// RenderOnce paints one frame with the current pose and publishes it.
func (l *Loop) RenderOnce(now time.Time) Frame {
	pose := l.src.Pose()
	status, _ := l.src.Status()
	f := &Frame{
		Image:  l.comp.Render(pose, status, now),
		Pose:   pose,
		Status: status,
		At:     now,
		Seq:    l.seq.Add(1),
	}
	l.latest.Store(f)
	return *f
}

// Latest returns the most recent frame, if any has been painted.
func (l *Loop) Latest() (Frame, bool) {
	f := l.latest.Load()
	if f == nil {
		return Frame{}, false
	}
	return *f, true
}

// Stop releases the repaint signal.
func (l *Loop) Stop() {
	l.signal.Stop()
}
