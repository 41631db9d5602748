// Package tracking runs the camera-to-pose pipeline and owns the tracking
// status machine.
//
// The controller is the only writer of the pose. Readers (the render loop,
// the preview server) load it through an atomic pointer and never block on
// detection. Each new pose is a freshly allocated record, so a reader sees
// either the old or the new one, never a mix.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/avatar-studio/pkg/camera"
	"github.com/menta2k/avatar-studio/pkg/features"
	"github.com/menta2k/avatar-studio/pkg/landmarks"
	"github.com/menta2k/avatar-studio/pkg/log"
	"github.com/menta2k/avatar-studio/pkg/smoothing"
	"github.com/menta2k/avatar-studio/pkg/types"
	"github.com/menta2k/avatar-studio/pkg/vsync"
)

// DefaultGrace is how long a face may be missing before status drops to no-face.
const DefaultGrace = 2 * time.Second

const modelFailureMessage = "Face tracking model failed to load. Check your connection and try again."

// Options wires a Controller. Camera and Provider are required.
type Options struct {
	Camera      camera.Source
	Provider    landmarks.Provider
	Signal      vsync.Signal
	Constraints camera.Constraints
	Calibration features.Calibration
	Smoother    smoothing.Smoother
	Grace       time.Duration
	Now         func() time.Time
}

// Snapshot is a consistent view of the controller for the UI.
type Snapshot struct {
	Status       types.Status     `json:"status"`
	Message      string           `json:"message,omitempty"`
	Pose         types.PoseState  `json:"pose"`
	Expression   types.Expression `json:"expression"`
	ActiveTracks int              `json:"active_tracks"`
}

// Controller drives tracking sessions.
type Controller struct {
	opts Options
	log  *logrus.Entry

	pose    atomic.Pointer[types.PoseState]
	running atomic.Bool

	mu            sync.Mutex
	status        types.Status
	message       string
	stream        camera.Stream
	cancel        context.CancelFunc
	generation    uint64
	providerReady bool
	lastFace      time.Time
	subs          map[chan Snapshot]struct{}
}

// New creates an idle controller.
func New(opts Options) (*Controller, error) {
	if opts.Camera == nil {
		return nil, errors.New("camera source is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("landmark provider is required")
	}
	if opts.Signal == nil {
		opts.Signal = vsync.NewTicker(vsync.DefaultRefreshRate)
	}
	if opts.Constraints.Width <= 0 || opts.Constraints.Height <= 0 {
		opts.Constraints = camera.DefaultConstraints()
	}
	if opts.Calibration == (features.Calibration{}) {
		opts.Calibration = features.DefaultCalibration()
	}
	if opts.Smoother == (smoothing.Smoother{}) {
		opts.Smoother = smoothing.New()
	}
	if err := opts.Smoother.Validate(); err != nil {
		return nil, fmt.Errorf("invalid smoothing: %w", err)
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Controller{
		opts:   opts,
		log:    log.WithComponent("tracking"),
		status: types.StatusIdle,
		subs:   make(map[chan Snapshot]struct{}),
	}
	neutral := types.NeutralPose()
	c.pose.Store(&neutral)
	return c, nil
}

// Start opens the camera, initializes the model on first use and begins
// detection. It fails with ErrAlreadyRunning while a session is active. On
// acquisition failure the status becomes error and nothing is retried.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running.Load() || c.status == types.StatusInitializing {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	if err := c.setStatusLocked(types.StatusInitializing, ""); err != nil {
		c.mu.Unlock()
		return err
	}
	gen := c.generation
	c.mu.Unlock()

	stream, err := c.opts.Camera.Open(ctx, c.opts.Constraints)
	if err != nil {
		c.fail(gen, err, camera.Message(err))
		return err
	}
	c.log.WithField("tracks", len(stream.Tracks())).Info("camera opened")

	if err := c.initProvider(ctx); err != nil {
		stream.Stop()
		c.fail(gen, err, modelFailureMessage)
		return err
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		stream.Stop()
		return ErrInterrupted
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c.stream = stream
	c.cancel = cancel
	c.lastFace = c.opts.Now()
	c.running.Store(true)
	c.mu.Unlock()

	go c.loop(loopCtx)
	return nil
}

func (c *Controller) initProvider(ctx context.Context) error {
	c.mu.Lock()
	ready := c.providerReady
	c.mu.Unlock()
	if ready {
		return nil
	}

	if err := c.opts.Provider.Init(ctx); err != nil {
		if !errors.Is(err, landmarks.ErrModelUnavailable) {
			err = fmt.Errorf("%w: %v", landmarks.ErrModelUnavailable, err)
		}
		return err
	}

	c.mu.Lock()
	c.providerReady = true
	c.mu.Unlock()
	c.log.Info("landmark model ready")
	return nil
}

func (c *Controller) fail(gen uint64, err error, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return
	}
	c.log.WithError(err).Error("tracking failed to start")
	c.running.Store(false)
	c.setStatusLocked(types.StatusError, message)
}

// Stop ends the session. When it returns the running flag is cleared, every
// camera track is stopped and the pose is neutral. Safe to call at any time.
func (c *Controller) Stop() {
	c.running.Store(false)

	c.mu.Lock()
	c.generation++
	stream, cancel := c.stream, c.cancel
	c.stream, c.cancel = nil, nil
	neutral := types.NeutralPose()
	c.pose.Store(&neutral)
	c.setStatusLocked(types.StatusIdle, "")
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		stream.Stop()
		c.log.Info("camera released")
	}
}

// Close stops tracking and releases the model and the repaint signal.
func (c *Controller) Close() error {
	c.Stop()
	c.opts.Signal.Stop()
	return c.opts.Provider.Close()
}

func (c *Controller) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.opts.Signal.C():
			if !c.running.Load() {
				return
			}
			c.processFrame(ctx)
		}
	}
}

// processFrame runs one detection. Ticks that arrive meanwhile are dropped by
// the signal, so detection never queues up behind itself. Per-frame errors
// are swallowed.
func (c *Controller) processFrame(ctx context.Context) {
	c.mu.Lock()
	stream, gen := c.stream, c.generation
	c.mu.Unlock()
	if stream == nil {
		return
	}

	frame, err := stream.ReadFrame(ctx)
	if err != nil {
		c.log.WithError(err).Debug("frame unavailable")
		return
	}
	lm, err := c.opts.Provider.Detect(ctx, frame)
	if err != nil {
		c.log.WithError(err).Debug("detection dropped")
		return
	}

	now := c.opts.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running.Load() || c.generation != gen {
		return
	}

	if lm == nil {
		if c.status == types.StatusTracking && now.Sub(c.lastFace) > c.opts.Grace {
			c.setStatusLocked(types.StatusNoFace, "")
		}
		return
	}

	target := features.Derive(lm, c.opts.Calibration)
	next := c.opts.Smoother.Apply(*c.pose.Load(), target)
	c.pose.Store(&next)
	c.lastFace = now
	if c.status != types.StatusTracking {
		c.setStatusLocked(types.StatusTracking, "")
	} else {
		c.notifyLocked()
	}
}

// setStatusLocked applies a transition and notifies subscribers.
func (c *Controller) setStatusLocked(to types.Status, message string) error {
	from := c.status
	if err := checkTransition(from, to); err != nil {
		return err
	}
	c.status = to
	c.message = message
	if from != to {
		c.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Info("status changed")
	}
	c.notifyLocked()
	return nil
}

// Pose returns the current smoothed pose.
func (c *Controller) Pose() types.PoseState {
	return *c.pose.Load()
}

// Status returns the current status and its user-facing message.
func (c *Controller) Status() (types.Status, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.message
}

// Running reports whether the detection loop is active.
func (c *Controller) Running() bool {
	return c.running.Load()
}

// Snapshot returns status, message and pose together.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	pose := *c.pose.Load()
	s := Snapshot{
		Status:     c.status,
		Message:    c.message,
		Pose:       pose,
		Expression: features.ClassifyExpression(pose),
	}
	if c.stream != nil {
		s.ActiveTracks = len(c.stream.Tracks())
	}
	return s
}

// Subscribe returns a feed of snapshots. Slow readers only see the latest
// one. Call the returned func to unsubscribe.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	ch <- c.snapshotLocked()
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, ch)
			c.mu.Unlock()
		})
	}
}

func (c *Controller) notifyLocked() {
	if len(c.subs) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for ch := range c.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
