// Package avatarstudio renders a 2D avatar that follows the user's face.
//
// A camera feeds frames to a face landmark model; the tracking controller turns
// landmarks into a smoothed pose (head rotation, eye and mouth openness) and
// the compositor paints the avatar image with that pose on every repaint tick.
// The painted canvas can be streamed by the preview server or recorded.
//
// Basic usage:
//
//	cfg := config.Default()
//	cfg.Avatar.Source = "avatar.png"
//
//	studio, err := avatarstudio.New(ctx, cfg, avatarstudio.Options{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer studio.Close()
//
//	studio.Run(ctx)
//	if err := studio.Start(ctx); err != nil {
//		fmt.Println(studio.Snapshot().Message)
//	}
//
// The package consists of these components:
//
//  1. Camera (pkg/camera): V4L2 devices, HTTP snapshot cameras and still images
//  2. Landmarks (pkg/landmarks): face mesh sidecar client and recorded replays
//  3. Tracking (pkg/tracking): status machine, pose derivation and smoothing
//  4. Compositor (pkg/compositor) and render loop (pkg/render)
//  5. Recording (pkg/recording): ffmpeg or WebP frame output
//  6. Feature locator (pkg/detection): optional vision model for eye and mouth placement
package avatarstudio

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/avatar-studio/internal/config"
	"github.com/menta2k/avatar-studio/pkg/analyzer"
	"github.com/menta2k/avatar-studio/pkg/camera"
	"github.com/menta2k/avatar-studio/pkg/client"
	"github.com/menta2k/avatar-studio/pkg/compositor"
	"github.com/menta2k/avatar-studio/pkg/detection"
	"github.com/menta2k/avatar-studio/pkg/landmarks"
	"github.com/menta2k/avatar-studio/pkg/llamacpp"
	"github.com/menta2k/avatar-studio/pkg/log"
	"github.com/menta2k/avatar-studio/pkg/ollama"
	"github.com/menta2k/avatar-studio/pkg/processing"
	"github.com/menta2k/avatar-studio/pkg/recording"
	"github.com/menta2k/avatar-studio/pkg/render"
	"github.com/menta2k/avatar-studio/pkg/tracking"
	"github.com/menta2k/avatar-studio/pkg/types"
	"github.com/menta2k/avatar-studio/pkg/vsync"
)

// Version of the avatar studio
const Version = "1.0.0"

// Options overrides parts of the pipeline built from the config. Zero values
// use the config.
type Options struct {
	Camera   camera.Source
	Provider landmarks.Provider
	Vision   client.VisionClient
	Signal   vsync.Signal
	Probe    recording.Probe
	Now      func() time.Time
}

// Studio owns the whole pipeline.
type Studio struct {
	cfg       *config.Config
	opts      Options
	log       *logrus.Entry
	processor *processing.Processor
	analyzer  *analyzer.AvatarAnalyzer
	detector  *detection.Detector

	fanout     *vsync.Fanout
	controller *tracking.Controller
	comp       *compositor.Compositor
	loop       *render.Loop

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	format   *recording.Format
	recorder *recording.Recorder
	capture  *render.CaptureStream
}

// New validates cfg and builds the pipeline. Nothing runs until Run and Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Studio, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Studio{
		cfg:       cfg,
		opts:      opts,
		log:       log.WithComponent("studio"),
		processor: processing.NewProcessor(),
		analyzer: analyzer.NewWithConfig(analyzer.Config{
			SupportedFormats: []string{"png", "jpeg", "webp"},
			MinImageSize:     cfg.Avatar.MinSize,
		}),
	}

	source := opts.Camera
	if source == nil {
		var err error
		if source, err = s.cameraSource(ctx); err != nil {
			return nil, err
		}
	}
	provider := opts.Provider
	if provider == nil {
		var err error
		if provider, err = s.landmarkProvider(); err != nil {
			return nil, err
		}
	}

	vision := opts.Vision
	if vision == nil {
		var err error
		if vision, err = s.visionClient(); err != nil {
			return nil, err
		}
	}
	if vision != nil {
		s.detector = detection.NewDetector(vision)
	}

	comp, err := compositor.New(cfg.Compositor)
	if err != nil {
		return nil, err
	}
	s.comp = comp

	signal := opts.Signal
	if signal == nil {
		signal = vsync.NewTicker(cfg.Tracking.RefreshRate)
	}
	s.fanout = vsync.NewFanout(signal)

	s.controller, err = tracking.New(tracking.Options{
		Camera:      source,
		Provider:    provider,
		Signal:      s.fanout.Tap(),
		Constraints: cfg.CameraConstraints(),
		Calibration: cfg.Calibration,
		Smoother:    cfg.Smoothing,
		Grace:       cfg.Grace(),
		Now:         opts.Now,
	})
	if err != nil {
		s.fanout.Stop()
		return nil, err
	}
	s.loop = render.New(comp, s.controller, s.fanout.Tap())
	return s, nil
}

func (s *Studio) cameraSource(ctx context.Context) (camera.Source, error) {
	switch s.cfg.Camera.Source {
	case "http":
		src := camera.NewHTTPSource(s.cfg.Camera.URL)
		src.AllowInsecure = s.cfg.Camera.AllowInsecure
		return src, nil
	case "still":
		img, err := s.processor.LoadImageSmart(ctx, s.cfg.Camera.Image)
		if err != nil {
			return nil, fmt.Errorf("load still camera image: %w", err)
		}
		return camera.NewStillSource(img), nil
	default:
		return camera.NewDevice(s.cfg.Camera.Device), nil
	}
}

func (s *Studio) landmarkProvider() (landmarks.Provider, error) {
	if s.cfg.Landmarks.Provider == "replay" {
		return landmarks.LoadReplay(s.cfg.Landmarks.Replay, s.cfg.Landmarks.Loop)
	}
	return landmarks.NewHTTPProvider(s.cfg.Landmarks.URL, s.cfg.LandmarkOptions()), nil
}

func (s *Studio) visionClient() (client.VisionClient, error) {
	return NewVisionClient(s.cfg.Vision.Backend, s.cfg.Vision.URL)
}

// NewVisionClient builds the feature-locator backend. It returns nil for
// backend "none".
func NewVisionClient(backend, url string) (client.VisionClient, error) {
	switch backend {
	case "ollama":
		return ollama.NewClient(url)
	case "llamacpp":
		return llamacpp.NewClient(url)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown vision backend: %s", backend)
	}
}

// Run starts the render loop and the avatar load. The placeholder is painted
// until the avatar arrives. Run returns immediately; Close stops everything.
func (s *Studio) Run(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.loop.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.WithError(err).Warn("render loop stopped")
		}
	}()

	if src := s.cfg.Avatar.Source; src != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.LoadAvatar(runCtx, src); err != nil {
				s.log.WithError(err).Warn("avatar unavailable, keeping placeholder")
			}
		}()
	}
}

// LoadAvatar loads, validates and publishes the avatar, then asks the vision
// backend (if any) where its eyes and mouth are.
func (s *Studio) LoadAvatar(ctx context.Context, source string) error {
	loader := &avatarLoader{processor: s.processor, analyzer: s.analyzer}
	if err := <-s.comp.LoadAvatarAsync(ctx, loader, source); err != nil {
		return err
	}
	if s.detector == nil {
		return nil
	}

	layout, err := s.LocateFeatures(ctx, loader.img)
	if err != nil {
		s.log.WithError(err).Warn("feature locator failed, using default layout")
	}
	s.comp.SetLayout(layout)
	return nil
}

// LocateFeatures runs the vision backend on img. Without a backend it
// returns the default layout.
func (s *Studio) LocateFeatures(ctx context.Context, img image.Image) (types.FeatureLayout, error) {
	if s.detector == nil {
		return types.DefaultLayout(), nil
	}
	imgB64, err := s.processor.PrepareImageForModel(img, "jpeg", 768, 85)
	if err != nil {
		return types.DefaultLayout(), err
	}
	layout, err := s.detector.LocateFeatures(ctx, s.cfg.Vision.Model, imgB64)
	if err == nil {
		s.log.WithField("source", layout.Source).Info("feature layout located")
	}
	return layout, err
}

type avatarLoader struct {
	processor *processing.Processor
	analyzer  *analyzer.AvatarAnalyzer
	img       image.Image
}

func (l *avatarLoader) LoadImageSmart(ctx context.Context, source string) (image.Image, error) {
	img, err := l.processor.LoadImageSmart(ctx, source)
	if err != nil {
		return nil, err
	}
	if err := l.analyzer.ValidateImage(img); err != nil {
		return nil, err
	}
	l.img = img
	return img, nil
}

// Start begins tracking.
func (s *Studio) Start(ctx context.Context) error {
	return s.controller.Start(ctx)
}

// Stop ends tracking; the avatar returns to its neutral pose.
func (s *Studio) Stop() {
	s.controller.Stop()
}

// Snapshot returns the tracking state for display.
func (s *Studio) Snapshot() tracking.Snapshot {
	return s.controller.Snapshot()
}

// Subscribe streams tracking snapshots.
func (s *Studio) Subscribe() (<-chan tracking.Snapshot, func()) {
	return s.controller.Subscribe()
}

// LatestFrame returns the last painted canvas.
func (s *Studio) LatestFrame() (render.Frame, bool) {
	return s.loop.Latest()
}

// Compositor exposes the compositor, e.g. to swap the avatar at runtime.
func (s *Studio) Compositor() *compositor.Compositor {
	return s.comp
}

// RecordingFormat negotiates the recording format once and caches it.
func (s *Studio) RecordingFormat(ctx context.Context) recording.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordingFormatLocked(ctx)
}

func (s *Studio) recordingFormatLocked(ctx context.Context) recording.Format {
	if s.format == nil {
		probe := s.opts.Probe
		if probe == nil {
			probe = recording.FFmpegProbe{Binary: s.cfg.Recording.FFmpeg}
		}
		f := recording.Negotiate(ctx, probe, s.cfg.Recording.Preferences, s.cfg.Recording.Audio.Enabled)
		s.format = &f
	}
	return *s.format
}

// StartRecording records the canvas until StopRecording.
func (s *Studio) StartRecording(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder != nil {
		switch s.recorder.State() {
		case recording.StateIdle:
		case recording.StateFailed:
			// The encoder died; finish the broken session so a new one can start.
			if _, err := s.recorder.Stop(); err != nil {
				s.log.WithError(err).Warn("previous recording failed")
			}
			if s.capture != nil {
				s.capture.Close()
				s.capture = nil
			}
		default:
			return "", recording.ErrAlreadyRecording
		}
	}

	w, h := s.comp.Size()
	s.recorder = recording.NewRecorder(recording.Options{
		Binary:    s.cfg.Recording.FFmpeg,
		OutputDir: s.cfg.Recording.OutputDir,
		Format:    s.recordingFormatLocked(ctx),
		Width:     w,
		Height:    h,
		FPS:       s.cfg.Recording.FPS,
		Bitrate:   s.cfg.Recording.Bitrate,
		Audio:     s.cfg.Recording.Audio,
		Now:       s.opts.Now,
	})

	capture := s.loop.Capture(s.cfg.Recording.FPS)
	session, err := s.recorder.Start(ctx, capture)
	if err != nil {
		capture.Close()
		return "", err
	}
	s.capture = capture
	return session, nil
}

// PauseRecording pauses the current recording.
func (s *Studio) PauseRecording() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder == nil {
		return recording.ErrNotRecording
	}
	return s.recorder.Pause()
}

// ResumeRecording resumes a paused recording.
func (s *Studio) ResumeRecording() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder == nil {
		return recording.ErrNotRecording
	}
	return s.recorder.Resume()
}

// StopRecording finishes the file.
func (s *Studio) StopRecording() (recording.Result, error) {
	s.mu.Lock()
	rec, capture := s.recorder, s.capture
	s.capture = nil
	s.mu.Unlock()

	if rec == nil {
		return recording.Result{}, recording.ErrNotRecording
	}
	res, err := rec.Stop()
	if capture != nil {
		capture.Close()
	}
	return res, err
}

// RecordingStatus reports the recorder state.
func (s *Studio) RecordingStatus() recording.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder == nil {
		return recording.Status{State: recording.StateIdle}
	}
	return s.recorder.Status()
}

// Close stops recording, tracking and rendering and releases the model.
func (s *Studio) Close() error {
	if _, err := s.StopRecording(); err != nil && !errors.Is(err, recording.ErrNotRecording) {
		s.log.WithError(err).Warn("recording did not finish cleanly")
	}

	err := s.controller.Close()

	s.mu.Lock()
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.loop.Stop()
	s.fanout.Stop()
	return err
}
