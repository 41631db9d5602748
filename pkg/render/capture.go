package render

import (
	"sync"

	"github.com/menta2k/avatar-studio/pkg/vsync"
)

// CaptureStream samples the loop's latest frame at a fixed rate, the way a
// canvas capture stream does. Frames are dropped, not queued, when the reader
// falls more than a second behind.
type CaptureStream struct {
	loop   *Loop
	signal vsync.Signal
	fps    int
	frames chan Frame
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// Capture starts a stream at fps frames per second.
func (l *Loop) Capture(fps int) *CaptureStream {
	if fps <= 0 {
		fps = 30
	}
	return l.CaptureWith(vsync.NewTicker(fps), fps)
}

// CaptureWith starts a stream paced by sig; fps only sizes the buffer and is
// reported by FPS.
func (l *Loop) CaptureWith(sig vsync.Signal, fps int) *CaptureStream {
	if fps <= 0 {
		fps = 30
	}
	cs := &CaptureStream{
		loop:   l,
		signal: sig,
		fps:    fps,
		frames: make(chan Frame, fps),
		done:   make(chan struct{}),
	}
	cs.wg.Add(1)
	go cs.run()
	return cs
}

func (cs *CaptureStream) run() {
	defer cs.wg.Done()
	defer close(cs.frames)
	for {
		select {
		case <-cs.done:
			return
		case <-cs.signal.C():
			f, ok := cs.loop.Latest()
			if !ok {
				continue
			}
			select {
			case cs.frames <- f:
			default:
			}
		}
	}
}

// Frames returns the frame channel. It is closed after Close.
func (cs *CaptureStream) Frames() <-chan Frame {
	return cs.frames
}

// FPS returns the nominal capture rate.
func (cs *CaptureStream) FPS() int {
	return cs.fps
}

// Close stops sampling and waits for the sampler to exit.
func (cs *CaptureStream) Close() {
	cs.once.Do(func() {
		close(cs.done)
		cs.signal.Stop()
		cs.wg.Wait()
	})
}
