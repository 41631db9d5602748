//go:build linux

package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	v4l2BufTypeVideoCapture = 1
	v4l2FieldNone           = 1
	v4l2MemoryMmap          = 1

	v4l2PixFmtMJPEG = 0x47504a4d // 'MJPG'
	v4l2PixFmtJPEG  = 0x4745504a // 'JPEG'

	deviceBuffers = 2
	pollTimeoutMs = 100
)

// ioctl request numbers are derived from the struct sizes so the same code
// serves 32-bit and 64-bit kernels.
const (
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | uintptr('V')<<8 | nr
}

var (
	vidiocSFmt      = ioc(iocRead|iocWrite, 5, unsafe.Sizeof(v4l2Format{}))
	vidiocReqbufs   = ioc(iocRead|iocWrite, 8, unsafe.Sizeof(v4l2Requestbuffers{}))
	vidiocQuerybuf  = ioc(iocRead|iocWrite, 9, unsafe.Sizeof(v4l2Buffer{}))
	vidiocQbuf      = ioc(iocRead|iocWrite, 15, unsafe.Sizeof(v4l2Buffer{}))
	vidiocDqbuf     = ioc(iocRead|iocWrite, 17, unsafe.Sizeof(v4l2Buffer{}))
	vidiocStreamon  = ioc(iocWrite, 18, unsafe.Sizeof(int32(0)))
	vidiocStreamoff = ioc(iocWrite, 19, unsafe.Sizeof(int32(0)))
)

type v4l2PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
	Colorspace   uint32
	Priv         uint32
	Flags        uint32
	Encoding     uint32
	Quantization uint32
	XferFunc     uint32
}

// v4l2Format mirrors struct v4l2_format: the 200-byte union is pointer
// aligned because some members carry pointers.
type v4l2Format struct {
	Type uint32
	Fmt  struct {
		_   [0]uintptr
		Pix v4l2PixFormat
		_   [200 - 48]byte
	}
}

type v4l2Requestbuffers struct {
	Count        uint32
	Type         uint32
	Memory       uint32
	Capabilities uint32
	Flags        uint8
	Reserved     [3]uint8
}

type v4l2Timecode struct {
	Type     uint32
	Flags    uint32
	Frames   uint8
	Seconds  uint8
	Minutes  uint8
	Hours    uint8
	Userbits [4]uint8
}

type v4l2Buffer struct {
	Index     uint32
	Type      uint32
	BytesUsed uint32
	Flags     uint32
	Field     uint32
	Timestamp unix.Timeval
	Timecode  v4l2Timecode
	Sequence  uint32
	Memory    uint32
	M         uintptr // union; mmap offset lives in the low 32 bits
	Length    uint32
	Reserved2 uint32
	RequestFd int32
}

func (b *v4l2Buffer) offset() int64 {
	return int64(uint32(b.M))
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Device is a V4L2 capture device such as /dev/video0. Frames are captured
// as MJPEG into memory-mapped buffers and decoded on read.
type Device struct {
	Path string
}

// NewDevice creates a source for the V4L2 device at path.
func NewDevice(path string) *Device {
	return &Device{Path: path}
}

func (d *Device) Open(ctx context.Context, c Constraints) (Stream, error) {
	if c.Width <= 0 || c.Height <= 0 {
		def := DefaultConstraints()
		c.Width, c.Height = def.Width, def.Height
	}

	fd, err := unix.Open(d.Path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, classifyErrno(d.Path, "open", err)
	}

	s := &deviceStream{
		fd:     fd,
		path:   d.Path,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		tracks: []Track{newVideoTrack(d.Path)},
	}
	if err := s.setup(uint32(c.Width), uint32(c.Height)); err != nil {
		s.release()
		return nil, err
	}

	s.wg.Add(1)
	go s.framePump()

	select {
	case <-s.ready:
		s.mu.RLock()
		err := s.pumpErr
		s.mu.RUnlock()
		if err != nil {
			s.Stop()
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		s.Stop()
		return nil, ctx.Err()
	}
}

type deviceStream struct {
	fd   int
	path string
	bufs [][]byte

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu       sync.RWMutex
	frame    []byte
	pumpErr  error
	tracks   []Track
	released bool
}

func (s *deviceStream) setup(width, height uint32) error {
	var format v4l2Format
	format.Type = v4l2BufTypeVideoCapture
	format.Fmt.Pix = v4l2PixFormat{
		Width:       width,
		Height:      height,
		PixelFormat: v4l2PixFmtMJPEG,
		Field:       v4l2FieldNone,
	}
	if err := ioctl(s.fd, vidiocSFmt, unsafe.Pointer(&format)); err != nil {
		return classifyErrno(s.path, "set format", err)
	}
	if pf := format.Fmt.Pix.PixelFormat; pf != v4l2PixFmtMJPEG && pf != v4l2PixFmtJPEG {
		return fmt.Errorf("camera %s does not support JPEG capture (format %#x)", s.path, pf)
	}

	req := v4l2Requestbuffers{
		Count:  deviceBuffers,
		Type:   v4l2BufTypeVideoCapture,
		Memory: v4l2MemoryMmap,
	}
	if err := ioctl(s.fd, vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return classifyErrno(s.path, "request buffers", err)
	}
	if req.Count == 0 {
		return fmt.Errorf("camera %s granted no buffers", s.path)
	}

	for i := uint32(0); i < req.Count; i++ {
		buf := v4l2Buffer{Index: i, Type: v4l2BufTypeVideoCapture, Memory: v4l2MemoryMmap}
		if err := ioctl(s.fd, vidiocQuerybuf, unsafe.Pointer(&buf)); err != nil {
			return classifyErrno(s.path, "query buffer", err)
		}
		data, err := unix.Mmap(s.fd, buf.offset(), int(buf.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return fmt.Errorf("failed to map buffer %d: %w", i, err)
		}
		s.bufs = append(s.bufs, data)
		if err := ioctl(s.fd, vidiocQbuf, unsafe.Pointer(&buf)); err != nil {
			return classifyErrno(s.path, "queue buffer", err)
		}
	}

	typ := int32(v4l2BufTypeVideoCapture)
	if err := ioctl(s.fd, vidiocStreamon, unsafe.Pointer(&typ)); err != nil {
		return classifyErrno(s.path, "stream on", err)
	}
	return nil
}

// framePump dequeues filled buffers until Stop. Poll has a timeout so the
// done channel is observed even when the camera stalls.
func (s *deviceStream) framePump() {
	defer s.wg.Done()
	defer s.readyOnce.Do(func() { close(s.ready) })

	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, err := unix.Poll(fds, pollTimeoutMs)
		if errors.Is(err, unix.EINTR) || n == 0 {
			continue
		}
		if err != nil {
			s.fail(err)
			return
		}

		buf := v4l2Buffer{Type: v4l2BufTypeVideoCapture, Memory: v4l2MemoryMmap}
		if err := ioctl(s.fd, vidiocDqbuf, unsafe.Pointer(&buf)); err != nil {
			if errors.Is(err, unix.EAGAIN) {
				continue
			}
			s.fail(err)
			return
		}

		if int(buf.Index) < len(s.bufs) {
			data := s.bufs[buf.Index]
			used := int(buf.BytesUsed)
			if used > len(data) {
				used = len(data)
			}
			s.mu.Lock()
			s.frame = append(s.frame[:0], data[:used]...)
			s.mu.Unlock()
			s.readyOnce.Do(func() { close(s.ready) })
		}

		if err := ioctl(s.fd, vidiocQbuf, unsafe.Pointer(&buf)); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *deviceStream) fail(err error) {
	s.mu.Lock()
	s.pumpErr = classifyErrno(s.path, "capture", err)
	s.mu.Unlock()
}

func (s *deviceStream) ReadFrame(ctx context.Context) (image.Image, error) {
	s.mu.RLock()
	if s.released {
		s.mu.RUnlock()
		return nil, ErrStopped
	}
	if s.pumpErr != nil {
		err := s.pumpErr
		s.mu.RUnlock()
		return nil, err
	}
	if len(s.frame) == 0 {
		s.mu.RUnlock()
		return nil, ErrNoFrame
	}
	data := make([]byte, len(s.frame))
	copy(data, s.frame)
	s.mu.RUnlock()

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}

func (s *deviceStream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Track(nil), s.tracks...)
}

// Stop waits for the pump to exit, then streams off and releases buffers and
// the descriptor.
func (s *deviceStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		typ := int32(v4l2BufTypeVideoCapture)
		_ = ioctl(s.fd, vidiocStreamoff, unsafe.Pointer(&typ))
		s.release()
	})
}

func (s *deviceStream) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bufs {
		_ = unix.Munmap(b)
	}
	s.bufs = nil
	_ = unix.Close(s.fd)
	s.tracks = nil
	s.frame = nil
	s.released = true
}

func classifyErrno(path, op string, err error) error {
	switch {
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: %s %s: %v", ErrPermissionDenied, op, path, err)
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO):
		return fmt.Errorf("%w: %s %s: %v", ErrNotFound, op, path, err)
	case errors.Is(err, unix.EBUSY):
		return fmt.Errorf("%w: %s %s: %v", ErrBusy, op, path, err)
	default:
		return fmt.Errorf("camera %s failed to %s: %w", path, op, err)
	}
}
