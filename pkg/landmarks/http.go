package landmarks

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/menta2k/avatar-studio/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// faceMeshResponse is the sidecar payload for POST /v1/face-mesh.
type faceMeshResponse struct {
	Faces []struct {
		Landmarks types.LandmarkSet `json:"landmarks"`
	} `json:"faces"`
	Error string `json:"error,omitempty"`
}

// HTTPProvider sends frames to a face-mesh sidecar over HTTP.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	quality int

	mu          sync.Mutex
	initialized bool
}

// HTTPOptions configures an HTTPProvider.
type HTTPOptions struct {
	Timeout     time.Duration
	MaxFPS      float64 // zero disables rate limiting
	JPEGQuality int
}

// NewHTTPProvider creates a provider for the sidecar at baseURL.
func NewHTTPProvider(baseURL string, opts HTTPOptions) *HTTPProvider {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 80
	}

	p := &HTTPProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: opts.Timeout},
		quality: opts.JPEGQuality,
	}
	if opts.MaxFPS > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.MaxFPS), 1)
	}
	return p
}

// Init checks that the sidecar has its model loaded. Repeated calls after a
// success are no-ops.
func (p *HTTPProvider) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: healthz returned %d: %s", ErrModelUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	p.initialized = true
	return nil
}

// Detect returns the landmarks of the first face in frame, or nil.
func (p *HTTPProvider) Detect(ctx context.Context, frame image.Image) (types.LandmarkSet, error) {
	if p.limiter != nil && !p.limiter.Allow() {
		return nil, ErrThrottled
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: p.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/face-mesh?max_faces=1", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send frame: %w", err)
	}
	defer resp.Body.Close()

	var out faceMeshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("face mesh returned %d: %s", resp.StatusCode, out.Error)
	}

	if len(out.Faces) == 0 || len(out.Faces[0].Landmarks) == 0 {
		return nil, nil
	}
	return out.Faces[0].Landmarks, nil
}

func (p *HTTPProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
