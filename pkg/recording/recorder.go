// Package recording captures the avatar canvas to a video file.
//
// Frames come from a render capture stream and are piped as raw RGBA into
// ffmpeg using the codec picked by Negotiate. Without ffmpeg the recorder
// writes a lossless WebP frame sequence instead.
package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/avatar-studio/internal/utils"
	"github.com/menta2k/avatar-studio/pkg/log"
	"github.com/menta2k/avatar-studio/pkg/render"
)

var (
	ErrNotRecording     = errors.New("not recording")
	ErrAlreadyRecording = errors.New("already recording")
)

// State is the recorder lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"

	// StateFailed means the encoder died mid-session. The partial output is
	// kept; Stop reports the error and Start may begin a new session.
	StateFailed State = "failed"
)

// FrameSource delivers canvas frames; *render.CaptureStream implements it.
type FrameSource interface {
	Frames() <-chan render.Frame
}

// Options configures a Recorder.
type Options struct {
	Binary    string
	OutputDir string
	Format    Format
	Width     int
	Height    int
	FPS       int
	Bitrate   string
	Audio     AudioInput
	Now       func() time.Time
}

// Result describes a finished recording.
type Result struct {
	Session  string        `json:"session"`
	Path     string        `json:"path"`
	Format   Format        `json:"format"`
	Frames   int           `json:"frames"`
	Duration time.Duration `json:"duration"`
}

// Recorder records one session at a time.
type Recorder struct {
	opts Options
	log  *logrus.Entry

	mu          sync.Mutex
	state       State
	session     string
	path        string
	started     time.Time
	pausedAt    time.Time
	pausedTotal time.Duration
	failedAt    time.Time
	frames      int
	sink        sink
	writeErr    error
	stopPump    context.CancelFunc
	stopEncoder context.CancelFunc
	wg          sync.WaitGroup
}

// NewRecorder creates an idle recorder.
func NewRecorder(opts Options) *Recorder {
	if opts.Binary == "" {
		opts.Binary = "ffmpeg"
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if opts.FPS <= 0 {
		opts.FPS = 30
	}
	if opts.Bitrate == "" {
		opts.Bitrate = "2500k"
	}
	if opts.Format.MimeType == "" {
		opts.Format = WebPSequence()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{opts: opts, log: log.WithComponent("recording"), state: StateIdle}
}

// Start begins recording frames from src.
func (r *Recorder) Start(ctx context.Context, src FrameSource) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateIdle:
	case StateFailed:
		r.releaseFailedLocked()
	default:
		return "", ErrAlreadyRecording
	}
	if err := utils.EnsureDir(r.opts.OutputDir); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	started := r.opts.Now()
	path := utils.RecordingFilename(r.opts.OutputDir, started, r.opts.Format.Extension)

	// The encoder must outlive the request that started it; Stop ends it.
	encCtx, stopEncoder := context.WithCancel(context.WithoutCancel(ctx))
	pumpCtx, stopPump := context.WithCancel(encCtx)

	var (
		s   sink
		err error
	)
	if r.opts.Format.Sequence() {
		s, err = newWebPSink(path)
	} else {
		args := ffmpegArgs(r.opts.Format, r.opts.Width, r.opts.Height, r.opts.FPS, r.opts.Bitrate, r.opts.Audio, path)
		s, err = startFFmpeg(encCtx, r.opts.Binary, args, r.opts.Width, r.opts.Height)
	}
	if err != nil {
		stopPump()
		stopEncoder()
		return "", err
	}

	r.state = StateRecording
	r.session = uuid.NewString()
	r.path = path
	r.started = started
	r.pausedTotal = 0
	r.frames = 0
	r.sink = s
	r.writeErr = nil
	r.stopPump = stopPump
	r.stopEncoder = stopEncoder

	r.wg.Add(1)
	go r.pump(pumpCtx, src.Frames(), s)

	r.log.WithFields(logrus.Fields{
		"session": r.session,
		"path":    path,
		"mime":    r.opts.Format.MimeType,
	}).Info("recording started")
	return r.session, nil
}

func (r *Recorder) pump(ctx context.Context, frames <-chan render.Frame, s sink) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			r.mu.Lock()
			paused := r.state == StatePaused
			r.mu.Unlock()
			if paused || f.Image == nil {
				continue
			}

			if err := s.WriteFrame(f.Image); err != nil {
				r.mu.Lock()
				r.writeErr = err
				r.state = StateFailed
				r.failedAt = r.opts.Now()
				session := r.session
				r.mu.Unlock()
				r.log.WithField("session", session).WithError(err).Error("recording write failed")
				return
			}
			r.mu.Lock()
			r.frames++
			r.mu.Unlock()
		}
	}
}

// releaseFailedLocked tears down a session whose pump already exited on a
// write error. The failed file stays on disk.
func (r *Recorder) releaseFailedLocked() {
	r.wg.Wait()
	if r.sink != nil {
		_ = r.sink.Close()
	}
	if r.stopPump != nil {
		r.stopPump()
	}
	if r.stopEncoder != nil {
		r.stopEncoder()
	}
	r.log.WithFields(logrus.Fields{"session": r.session, "frames": r.frames}).
		WithError(r.writeErr).Warn("discarding failed recording")
	r.sink, r.stopPump, r.stopEncoder = nil, nil, nil
	r.state = StateIdle
}

// Pause stops accepting frames; the paused span is left out of the output
// and of Duration.
func (r *Recorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateIdle:
		return ErrNotRecording
	case StateFailed:
		return r.writeErr
	case StateRecording:
		r.state = StatePaused
		r.pausedAt = r.opts.Now()
	}
	return nil
}

// Resume continues a paused recording.
func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateIdle:
		return ErrNotRecording
	case StateFailed:
		return r.writeErr
	case StatePaused:
		r.pausedTotal += r.opts.Now().Sub(r.pausedAt)
		r.state = StateRecording
	}
	return nil
}

// Stop finishes the file and returns what was written.
func (r *Recorder) Stop() (Result, error) {
	r.mu.Lock()
	if r.state == StateIdle || r.sink == nil {
		r.mu.Unlock()
		return Result{}, ErrNotRecording
	}
	duration := r.durationLocked()
	stopPump, stopEncoder, s := r.stopPump, r.stopEncoder, r.sink
	r.sink, r.stopPump, r.stopEncoder = nil, nil, nil
	r.mu.Unlock()

	// The pump exits before stdin is closed so ffmpeg can finish the
	// container; the encoder context is cancelled only afterwards.
	stopPump()
	r.wg.Wait()
	closeErr := s.Close()
	stopEncoder()

	r.mu.Lock()
	defer r.mu.Unlock()
	res := Result{
		Session:  r.session,
		Path:     r.path,
		Format:   r.opts.Format,
		Frames:   r.frames,
		Duration: duration,
	}
	err := r.writeErr
	if err == nil {
		err = closeErr
	}
	r.state = StateIdle

	fields := logrus.Fields{"session": res.Session, "frames": res.Frames, "duration": res.Duration.String()}
	if err != nil {
		r.log.WithFields(fields).WithError(err).Error("recording failed")
		return res, err
	}
	r.log.WithFields(fields).Info("recording saved")
	return res, nil
}

// State returns the current recorder state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Duration is the recorded time so far, excluding pauses.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateIdle {
		return 0
	}
	return r.durationLocked()
}

func (r *Recorder) durationLocked() time.Duration {
	end := r.opts.Now()
	if r.state == StateFailed {
		end = r.failedAt
	}
	paused := r.pausedTotal
	if r.state == StatePaused {
		paused += end.Sub(r.pausedAt)
	}
	return end.Sub(r.started) - paused
}

// Status is a point-in-time view of the recorder.
type Status struct {
	State    State         `json:"state"`
	Session  string        `json:"session,omitempty"`
	Duration time.Duration `json:"duration"`
	Frames   int           `json:"frames"`
	MimeType string        `json:"mime_type"`
	Error    string        `json:"error,omitempty"`
}

// Status returns the current state, session and duration.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{State: r.state, MimeType: r.opts.Format.MimeType}
	if r.state != StateIdle {
		st.Session = r.session
		st.Duration = r.durationLocked()
		st.Frames = r.frames
	}
	if r.state == StateFailed && r.writeErr != nil {
		st.Error = r.writeErr.Error()
	}
	return st
}

// Format returns the negotiated format.
func (r *Recorder) Format() Format {
	return r.opts.Format
}
