// Package vsync provides the repaint signal that paces both the render loop and
// the detection loop.
//
// A Signal delivers at most one pending tick. Consumers that fall behind skip
// ticks rather than queueing them, so work naturally throttles to the refresh
// rate instead of building a backlog.
package vsync

import (
	"sync"
	"time"
)

// DefaultRefreshRate matches a typical display.
const DefaultRefreshRate = 60

// Signal is a source of repaint ticks.
type Signal interface {
	C() <-chan time.Time
	Stop()
}

// Ticker is a Signal driven by a time.Ticker at a fixed refresh rate.
type Ticker struct {
	ticker *time.Ticker
	once   sync.Once
}

// NewTicker creates a repaint signal at hz ticks per second.
func NewTicker(hz int) *Ticker {
	if hz <= 0 {
		hz = DefaultRefreshRate
	}
	return &Ticker{ticker: time.NewTicker(time.Second / time.Duration(hz))}
}

// C returns the tick channel. time.Ticker already drops ticks for slow readers.
func (t *Ticker) C() <-chan time.Time {
	return t.ticker.C
}

func (t *Ticker) Stop() {
	t.once.Do(t.ticker.Stop)
}

// Manual is a Signal fired explicitly, for tests and offline rendering.
type Manual struct {
	ch   chan time.Time
	once sync.Once
}

// NewManual creates a signal that only ticks when Tick is called.
func NewManual() *Manual {
	return &Manual{ch: make(chan time.Time, 1)}
}

func (m *Manual) C() <-chan time.Time {
	return m.ch
}

// Tick delivers a tick unless one is already pending; it reports whether the
// tick was queued.
func (m *Manual) Tick(now time.Time) bool {
	select {
	case m.ch <- now:
		return true
	default:
		return false
	}
}

func (m *Manual) Stop() {}

// Fanout splits one Signal into several independent ones so the render and
// detection loops can share a single refresh source without stealing ticks
// from each other.
type Fanout struct {
	src  Signal
	mu   sync.Mutex
	outs []chan time.Time
	done chan struct{}
	once sync.Once
}

// NewFanout starts forwarding ticks from src.
func NewFanout(src Signal) *Fanout {
	f := &Fanout{src: src, done: make(chan struct{})}
	go f.run()
	return f
}

// Tap returns a new Signal that receives every tick of the source (dropping
// ticks the tap is not ready for).
func (f *Fanout) Tap() Signal {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	f.outs = append(f.outs, ch)
	f.mu.Unlock()
	return &tap{ch: ch}
}

func (f *Fanout) run() {
	for {
		select {
		case <-f.done:
			return
		case now := <-f.src.C():
			f.mu.Lock()
			for _, ch := range f.outs {
				select {
				case ch <- now:
				default:
				}
			}
			f.mu.Unlock()
		}
	}
}

// Stop stops forwarding and the underlying source.
func (f *Fanout) Stop() {
	f.once.Do(func() {
		close(f.done)
		f.src.Stop()
	})
}

type tap struct {
	ch chan time.Time
}

func (t *tap) C() <-chan time.Time { return t.ch }
func (t *tap) Stop()               {}
