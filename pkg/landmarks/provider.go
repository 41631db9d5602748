// Package landmarks defines the face-landmark model boundary.
//
// The model itself runs outside this module. A Provider is initialized once,
// then asked for one face per frame. A nil LandmarkSet with a nil error means
// no face was found.
package landmarks

import (
	"context"
	"errors"
	"image"

	"github.com/menta2k/avatar-studio/pkg/types"
)

var (
	// ErrModelUnavailable reports that the model could not be loaded.
	ErrModelUnavailable = errors.New("landmark model unavailable")
	// ErrThrottled means the frame was skipped by the rate limiter.
	ErrThrottled = errors.New("landmark detection throttled")
)

// Provider detects face landmarks in camera frames.
type Provider interface {
	Init(ctx context.Context) error
	Detect(ctx context.Context, frame image.Image) (types.LandmarkSet, error)
	Close() error
}
