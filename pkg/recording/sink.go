package recording

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/chai2010/webp"

	"github.com/menta2k/avatar-studio/internal/utils"
)

// sink consumes canvas frames.
type sink interface {
	WriteFrame(img *image.NRGBA) error
	Close() error
}

// AudioInput is a microphone captured by ffmpeg alongside the canvas.
type AudioInput struct {
	Enabled bool   `json:"enabled" toml:"enabled"`
	Driver  string `json:"driver" toml:"driver"` // pulse or alsa
	Device  string `json:"device" toml:"device"`
}

// ffmpegSink pipes raw RGBA frames into ffmpeg's stdin.
type ffmpegSink struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer
	width  int
	height int
}

func ffmpegArgs(f Format, width, height, fps int, bitrate string, audio AudioInput, path string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-framerate", strconv.Itoa(fps),
		"-i", "pipe:0",
	}
	if audio.Enabled && f.AudioCodec != "" {
		driver, device := audio.Driver, audio.Device
		if driver == "" {
			driver = "pulse"
		}
		if device == "" {
			device = "default"
		}
		args = append(args, "-f", driver, "-i", device)
	}

	args = append(args, "-c:v", f.VideoCodec)
	switch f.VideoCodec {
	case "libvpx-vp9", "libvpx":
		args = append(args, "-deadline", "realtime", "-b:v", bitrate)
	case "libx264":
		args = append(args, "-preset", "veryfast", "-b:v", bitrate)
	}
	args = append(args, "-pix_fmt", "yuv420p")

	if audio.Enabled && f.AudioCodec != "" {
		args = append(args, "-c:a", f.AudioCodec, "-shortest")
	}
	return append(args, "-f", f.Muxer, path)
}

func startFFmpeg(ctx context.Context, binary string, args []string, width, height int) (*ffmpegSink, error) {
	cmd := commandContext(ctx, binary, args...) //nolint:gosec
	s := &ffmpegSink{cmd: cmd, width: width, height: height}
	cmd.Stderr = &s.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	s.stdin = stdin
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return s, nil
}

func (s *ffmpegSink) WriteFrame(img *image.NRGBA) error {
	b := img.Bounds()
	if b.Dx() != s.width || b.Dy() != s.height {
		return fmt.Errorf("frame size %dx%d does not match recording %dx%d", b.Dx(), b.Dy(), s.width, s.height)
	}
	row := b.Dx() * 4
	if img.Stride == row {
		_, err := s.stdin.Write(img.Pix[:row*b.Dy()])
		return err
	}
	for y := 0; y < b.Dy(); y++ {
		off := y * img.Stride
		if _, err := s.stdin.Write(img.Pix[off : off+row]); err != nil {
			return err
		}
	}
	return nil
}

func (s *ffmpegSink) Close() error {
	closeErr := s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg failed: %w: %s", err, bytes.TrimSpace(s.stderr.Bytes()))
	}
	return closeErr
}

// webpSink writes each frame as a lossless WebP file into a directory.
type webpSink struct {
	dir string
	n   int
}

func newWebPSink(dir string) (*webpSink, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create frame directory: %w", err)
	}
	return &webpSink{dir: dir}, nil
}

func (s *webpSink) WriteFrame(img *image.NRGBA) error {
	s.n++
	f, err := os.Create(utils.FrameFilename(s.dir, s.n, "webp"))
	if err != nil {
		return err
	}
	if err := webp.Encode(f, img, &webp.Options{Lossless: true}); err != nil {
		f.Close()
		return fmt.Errorf("encode frame %d: %w", s.n, err)
	}
	return f.Close()
}

func (s *webpSink) Close() error { return nil }
