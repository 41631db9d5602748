//go:build !linux

package camera

import (
	"context"
	"fmt"
)

// Device is a V4L2 capture device. Only Linux has V4L2.
type Device struct {
	Path string
}

func NewDevice(path string) *Device {
	return &Device{Path: path}
}

func (d *Device) Open(ctx context.Context, c Constraints) (Stream, error) {
	return nil, fmt.Errorf("%w: V4L2 devices are only available on linux", ErrNotFound)
}
