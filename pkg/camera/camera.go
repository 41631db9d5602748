// Package camera acquires live video frames for face tracking.
//
// A Source opens a Stream with video-only constraints. Streams expose their
// active tracks so callers can verify that hardware was released: after
// Stop returns, Tracks is empty and the device is closed.
//
// Acquisition failures are classified into a small set of sentinel errors
// (permission, missing hardware, busy hardware, insecure transport) so the
// tracking controller can show a specific message for each.
package camera

import (
	"context"
	"errors"
	"image"

	"github.com/google/uuid"
)

var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrNotFound         = errors.New("camera not found")
	ErrBusy             = errors.New("camera busy")
	ErrInsecureContext  = errors.New("camera requires a secure context")
	ErrStopped          = errors.New("camera stream stopped")
	ErrNoFrame          = errors.New("no frame available yet")
)

// Constraints describe the requested capture. Tracking is video-only.
type Constraints struct {
	Width      int
	Height     int
	FacingMode string
}

// DefaultConstraints asks for a small front-facing capture; the landmark
// model does not benefit from more pixels.
func DefaultConstraints() Constraints {
	return Constraints{Width: 480, Height: 360, FacingMode: "user"}
}

// Track is one active media track of a stream.
type Track struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Label string `json:"label"`
}

func newVideoTrack(label string) Track {
	return Track{ID: uuid.NewString(), Kind: "video", Label: label}
}

// Source opens camera streams.
type Source interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is an open camera.
type Stream interface {
	// ReadFrame returns the most recent frame.
	ReadFrame(ctx context.Context) (image.Image, error)
	// Tracks lists active tracks; empty once stopped.
	Tracks() []Track
	// Stop releases the hardware before returning. Safe to call twice.
	Stop()
}

// Message maps an acquisition error to text suitable for the UI.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "Camera permission was denied. Check your settings and try again."
	case errors.Is(err, ErrNotFound):
		return "No camera found on this device."
	case errors.Is(err, ErrBusy):
		return "Camera is in use by another application. Close it and try again."
	case errors.Is(err, ErrInsecureContext):
		return "Camera access requires HTTPS. Use https or a camera on localhost."
	default:
		return err.Error()
	}
}

// IsFatal reports whether err is one of the classified acquisition failures.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrBusy) ||
		errors.Is(err, ErrInsecureContext)
}
