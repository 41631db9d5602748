package server

import (
	"bufio"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/menta2k/avatar-studio/pkg/camera"
	"github.com/menta2k/avatar-studio/pkg/log"
	"github.com/menta2k/avatar-studio/pkg/recording"
	"github.com/menta2k/avatar-studio/pkg/render"
	"github.com/menta2k/avatar-studio/pkg/tracking"
	"github.com/menta2k/avatar-studio/pkg/types"
)

func init() {
	log.SetOutput(io.Discard)
}

type fakeBackend struct {
	mu        sync.Mutex
	snap      tracking.Snapshot
	startErr  error
	recording bool
	frame     *render.Frame
	updates   chan tracking.Snapshot
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		snap:    tracking.Snapshot{Status: types.StatusIdle, Pose: types.NeutralPose(), Expression: types.ExpressionNeutral},
		updates: make(chan tracking.Snapshot, 4),
	}
}

func (b *fakeBackend) Snapshot() tracking.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

func (b *fakeBackend) Subscribe() (<-chan tracking.Snapshot, func()) {
	b.updates <- b.Snapshot()
	return b.updates, func() {}
}

func (b *fakeBackend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		b.snap.Status = types.StatusError
		b.snap.Message = camera.Message(b.startErr)
		return b.startErr
	}
	if b.snap.Status == types.StatusTracking {
		return tracking.ErrAlreadyRunning
	}
	b.snap.Status = types.StatusTracking
	return nil
}

func (b *fakeBackend) Stop() {
	b.mu.Lock()
	b.snap.Status = types.StatusIdle
	b.mu.Unlock()
}

func (b *fakeBackend) StartRecording(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.recording {
		return "", recording.ErrAlreadyRecording
	}
	b.recording = true
	return "session-1", nil
}

func (b *fakeBackend) StopRecording() (recording.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.recording {
		return recording.Result{}, recording.ErrNotRecording
	}
	b.recording = false
	return recording.Result{Session: "session-1", Path: "/tmp/avatar-recording-1.webm", Frames: 30}, nil
}

func (b *fakeBackend) RecordingStatus() recording.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.recording {
		return recording.Status{State: recording.StateRecording, Session: "session-1"}
	}
	return recording.Status{State: recording.StateIdle}
}

func (b *fakeBackend) LatestFrame() (render.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frame == nil {
		return render.Frame{}, false
	}
	return *b.frame, true
}

func (b *fakeBackend) setFrame(seq uint64) {
	img := image.NewNRGBA(image.Rect(0, 0, 40, 40))
	b.mu.Lock()
	b.frame = &render.Frame{Image: img, Seq: seq, Status: types.StatusTracking}
	b.mu.Unlock()
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	s := New(newFakeBackend(), Options{AllowOrigins: []string{"http://localhost:3000"}})
	rec := do(t, s.Handler(), http.MethodGet, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Expected CORS header for allowed origin, got %q", got)
	}

	var body map[string]map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["tracking"]["status"] != "idle" || body["recording"]["state"] != "idle" {
		t.Errorf("Unexpected status body %s", rec.Body.String())
	}
}

func TestTrackingStartStop(t *testing.T) {
	b := newFakeBackend()
	h := New(b, Options{}).Handler()

	if rec := do(t, h, http.MethodPost, "/api/tracking/start"); rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/tracking/start"); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 while running, got %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/api/tracking/stop")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"idle"`) {
		t.Errorf("Unexpected stop response %d %s", rec.Code, rec.Body.String())
	}
}

func TestTrackingStartFailureCarriesMessage(t *testing.T) {
	b := newFakeBackend()
	b.startErr = camera.ErrPermissionDenied
	rec := do(t, New(b, Options{}).Handler(), http.MethodPost, "/api/tracking/start")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}
	var body struct {
		Message string `json:"message"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Message != camera.Message(camera.ErrPermissionDenied) {
		t.Errorf("Expected permission message, got %q", body.Message)
	}
}

func TestRecordingEndpoints(t *testing.T) {
	h := New(newFakeBackend(), Options{}).Handler()

	if rec := do(t, h, http.MethodPost, "/api/recording/stop"); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 when not recording, got %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/api/recording/start")
	if rec.Code != http.StatusCreated || !strings.Contains(rec.Body.String(), "session-1") {
		t.Errorf("Unexpected start response %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, "/api/recording/start"); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 when already recording, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/api/recording/stop")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "avatar-recording-1.webm") {
		t.Errorf("Unexpected stop response %d %s", rec.Code, rec.Body.String())
	}
}

func TestFramePNG(t *testing.T) {
	b := newFakeBackend()
	h := New(b, Options{}).Handler()

	if rec := do(t, h, http.MethodGet, "/api/frame.png"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before first frame, got %d", rec.Code)
	}

	b.setFrame(7)
	rec := do(t, h, http.MethodGet, "/api/frame.png")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("Unexpected response %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("Invalid PNG: %v", err)
	}
	if img.Bounds().Dx() != 40 {
		t.Errorf("Expected 40px frame, got %v", img.Bounds())
	}
	if rec.Header().Get("X-Frame-Seq") != "7" {
		t.Errorf("Expected frame sequence header")
	}
}

func TestMJPEGStream(t *testing.T) {
	b := newFakeBackend()
	b.setFrame(1)
	srv := httptest.NewServer(New(b, Options{StreamFPS: 50}).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream.mjpeg", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" {
		t.Fatalf("Unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	mr := multipart.NewReader(bufio.NewReader(resp.Body), params["boundary"])
	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("Expected a first part: %v", err)
	}
	if part.Header.Get("Content-Type") != "image/jpeg" {
		t.Errorf("Unexpected part type %q", part.Header.Get("Content-Type"))
	}
	if _, err := jpeg.Decode(part); err != nil {
		t.Errorf("Invalid JPEG frame: %v", err)
	}
}

func TestWebSocketPushesSnapshots(t *testing.T) {
	b := newFakeBackend()
	srv := httptest.NewServer(New(b, Options{}).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first map[string]any
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if first["status"] != "idle" {
		t.Errorf("Expected initial idle snapshot, got %v", first)
	}

	b.updates <- tracking.Snapshot{Status: types.StatusTracking, Expression: types.ExpressionTalking, ActiveTracks: 1}
	var next map[string]any
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if next["status"] != "tracking" || next["expression"] != "talking" {
		t.Errorf("Unexpected pushed snapshot %v", next)
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	srv := httptest.NewServer(New(newFakeBackend(), Options{AllowOrigins: []string{"http://localhost:3000"}}).Handler())
	defer srv.Close()

	header := http.Header{"Origin": []string{"http://evil.example"}}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("Expected handshake to fail")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", resp.StatusCode)
	}
}
