//go:build linux

package camera

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

func TestIoctlNumbers(t *testing.T) {
	if unsafe.Sizeof(uintptr(0)) != 8 {
		t.Skip("request numbers below are for 64-bit kernels")
	}
	tests := map[string]struct {
		got, want uintptr
	}{
		"VIDIOC_S_FMT":     {vidiocSFmt, 0xc0d05605},
		"VIDIOC_REQBUFS":   {vidiocReqbufs, 0xc0145608},
		"VIDIOC_QUERYBUF":  {vidiocQuerybuf, 0xc0585609},
		"VIDIOC_QBUF":      {vidiocQbuf, 0xc058560f},
		"VIDIOC_DQBUF":     {vidiocDqbuf, 0xc0585611},
		"VIDIOC_STREAMON":  {vidiocStreamon, 0x40045612},
		"VIDIOC_STREAMOFF": {vidiocStreamoff, 0x40045613},
	}
	for name, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %#x, want %#x", name, tt.got, tt.want)
		}
	}
}

func TestDeviceOpenMissing(t *testing.T) {
	dev := NewDevice(filepath.Join(t.TempDir(), "video99"))
	_, err := dev.Open(context.Background(), DefaultConstraints())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestClassifyErrno(t *testing.T) {
	tests := []struct {
		errno unix.Errno
		want  error
	}{
		{unix.EACCES, ErrPermissionDenied},
		{unix.EPERM, ErrPermissionDenied},
		{unix.ENOENT, ErrNotFound},
		{unix.ENODEV, ErrNotFound},
		{unix.EBUSY, ErrBusy},
	}
	for _, tt := range tests {
		if err := classifyErrno("/dev/video0", "open", tt.errno); !errors.Is(err, tt.want) {
			t.Errorf("classifyErrno(%v) = %v, want %v", tt.errno, err, tt.want)
		}
	}

	err := classifyErrno("/dev/video0", "open", unix.EINVAL)
	if IsFatal(err) {
		t.Errorf("EINVAL should not map to a classified error: %v", err)
	}
	if !errors.Is(err, unix.EINVAL) {
		t.Error("Expected the original errno to be preserved")
	}
}
