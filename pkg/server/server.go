// Package server exposes the studio over HTTP: status and control endpoints,
// the current canvas as PNG or an MJPEG stream, and a websocket feed of
// tracking snapshots.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/avatar-studio/pkg/log"
	"github.com/menta2k/avatar-studio/pkg/recording"
	"github.com/menta2k/avatar-studio/pkg/render"
	"github.com/menta2k/avatar-studio/pkg/tracking"
)

const mjpegBoundary = "avatarframe"

// Backend is what the server controls; *avatarstudio.Studio implements it.
type Backend interface {
	Snapshot() tracking.Snapshot
	Subscribe() (<-chan tracking.Snapshot, func())
	Start(ctx context.Context) error
	Stop()
	StartRecording(ctx context.Context) (string, error)
	StopRecording() (recording.Result, error)
	RecordingStatus() recording.Status
	LatestFrame() (render.Frame, bool)
}

// Options configures the server.
type Options struct {
	Bind         string
	AllowOrigins []string // empty or "*" allows any origin
	JPEGQuality  int
	StreamFPS    int
	PingInterval time.Duration
}

// Server serves the preview API.
type Server struct {
	backend  Backend
	opts     Options
	engine   *gin.Engine
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Tracking  tracking.Snapshot `json:"tracking"`
	Recording recording.Status  `json:"recording"`
}

// New builds the router.
func New(backend Backend, opts Options) *Server {
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 80
	}
	if opts.StreamFPS <= 0 {
		opts.StreamFPS = 15
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		backend: backend,
		opts:    opts,
		engine:  gin.New(),
		log:     log.WithComponent("server"),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.originAllowed}

	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.engine.Use(cors.New(s.corsConfig()))

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.POST("/tracking/start", s.handleTrackingStart)
	api.POST("/tracking/stop", s.handleTrackingStop)
	api.POST("/recording/start", s.handleRecordingStart)
	api.POST("/recording/stop", s.handleRecordingStop)
	api.GET("/frame.png", s.handleFrame)
	api.GET("/stream.mjpeg", s.handleStream)
	api.GET("/ws", s.handleWS)
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Bind,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("bind", s.opts.Bind).Info("preview server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("preview server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown preview server: %w", err)
	}
	return nil
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "X-Requested-With", "Connection", "Upgrade"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if s.allowAll() {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.opts.AllowOrigins
	}
	return cfg
}

func (s *Server) allowAll() bool {
	return len(s.opts.AllowOrigins) == 0 || slices.Contains(s.opts.AllowOrigins, "*")
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.allowAll() {
		return true
	}
	return slices.Contains(s.opts.AllowOrigins, origin)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("request")
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Tracking:  s.backend.Snapshot(),
		Recording: s.backend.RecordingStatus(),
	})
}

func (s *Server) handleTrackingStart(c *gin.Context) {
	err := s.backend.Start(c.Request.Context())
	snap := s.backend.Snapshot()
	switch {
	case err == nil:
		c.JSON(http.StatusOK, snap)
	case errors.Is(err, tracking.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "tracking": snap})
	default:
		// The snapshot message is the user-facing explanation.
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "message": snap.Message, "tracking": snap})
	}
}

func (s *Server) handleTrackingStop(c *gin.Context) {
	s.backend.Stop()
	c.JSON(http.StatusOK, s.backend.Snapshot())
}

func (s *Server) handleRecordingStart(c *gin.Context) {
	session, err := s.backend.StartRecording(context.WithoutCancel(c.Request.Context()))
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"session": session, "recording": s.backend.RecordingStatus()})
	case errors.Is(err, recording.ErrAlreadyRecording):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleRecordingStop(c *gin.Context) {
	res, err := s.backend.StopRecording()
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, recording.ErrNotRecording):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": res})
	}
}

func (s *Server) handleFrame(c *gin.Context) {
	f, ok := s.backend.LatestFrame()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no frame rendered yet"})
		return
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, f.Image, imaging.PNG); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("X-Frame-Seq", strconv.FormatUint(f.Seq, 10))
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

// handleStream writes a multipart/x-mixed-replace JPEG stream, sending each
// new canvas frame at most StreamFPS times per second.
func (s *Server) handleStream(c *gin.Context) {
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)

	ticker := time.NewTicker(time.Second / time.Duration(s.opts.StreamFPS))
	defer ticker.Stop()

	var (
		lastSeq uint64
		buf     bytes.Buffer
	)
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}

		f, ok := s.backend.LatestFrame()
		if !ok || f.Seq == lastSeq {
			continue
		}
		lastSeq = f.Seq

		buf.Reset()
		if err := imaging.Encode(&buf, f.Image, imaging.JPEG, imaging.JPEGQuality(s.opts.JPEGQuality)); err != nil {
			s.log.WithError(err).Warn("mjpeg encode failed")
			return
		}
		_, err := fmt.Fprintf(c.Writer, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, buf.Len())
		if err == nil {
			_, err = c.Writer.Write(buf.Bytes())
		}
		if err == nil {
			_, err = c.Writer.Write([]byte("\r\n"))
		}
		if err != nil {
			return
		}
		c.Writer.Flush()
	}
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.backend.Subscribe()
	defer unsubscribe()

	// The client only reads; a read error means it went away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case snap := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
