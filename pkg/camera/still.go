package camera

import (
	"context"
	"image"
	"sync"
)

// StillSource serves one fixed image as a camera. It backs offline rendering
// and demos where no hardware is present.
type StillSource struct {
	Image image.Image
	Label string
}

// NewStillSource creates a source that always returns img.
func NewStillSource(img image.Image) *StillSource {
	return &StillSource{Image: img, Label: "still image"}
}

func (s *StillSource) Open(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Image == nil {
		return nil, ErrNotFound
	}
	return &stillStream{img: s.Image, tracks: []Track{newVideoTrack(s.Label)}}, nil
}

type stillStream struct {
	mu     sync.Mutex
	img    image.Image
	tracks []Track
}

func (s *stillStream) ReadFrame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracks == nil {
		return nil, ErrStopped
	}
	return s.img, nil
}

func (s *stillStream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Track(nil), s.tracks...)
}

func (s *stillStream) Stop() {
	s.mu.Lock()
	s.tracks = nil
	s.mu.Unlock()
}
