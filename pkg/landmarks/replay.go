package landmarks

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/menta2k/avatar-studio/pkg/types"
)

// Recording is the on-disk replay format. A null frame means no face.
type Recording struct {
	Frames []types.LandmarkSet `json:"frames"`
}

// Replay returns pre-recorded landmark sets in order, ignoring frame pixels.
// Once exhausted it either loops or reports no face.
type Replay struct {
	Loop bool

	mu     sync.Mutex
	frames []types.LandmarkSet
	next   int
}

// NewReplay creates a provider over frames.
func NewReplay(frames []types.LandmarkSet, loop bool) *Replay {
	return &Replay{frames: frames, Loop: loop}
}

// LoadReplay reads a Recording from a JSON file.
func LoadReplay(path string, loop bool) (*Replay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read replay file: %w", err)
	}
	var rec Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse replay file: %w", err)
	}
	return NewReplay(rec.Frames, loop), nil
}

func (r *Replay) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return fmt.Errorf("%w: replay has no frames", ErrModelUnavailable)
	}
	return nil
}

func (r *Replay) Detect(ctx context.Context, frame image.Image) (types.LandmarkSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.next >= len(r.frames) {
		if !r.Loop || len(r.frames) == 0 {
			return nil, nil
		}
		r.next = 0
	}
	lm := r.frames[r.next]
	r.next++
	return lm, nil
}

// Len returns the number of recorded frames.
func (r *Replay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *Replay) Close() error { return nil }
