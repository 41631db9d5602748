package camera

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// HTTPSource polls a network camera's snapshot endpoint. Each ReadFrame
// fetches one still.
//
// Plain http is only accepted for loopback hosts; anything else must use https
// unless AllowInsecure is set.
type HTTPSource struct {
	URL           string
	Client        *http.Client
	AllowInsecure bool
}

// NewHTTPSource creates a snapshot camera for snapshotURL.
func NewHTTPSource(snapshotURL string) *HTTPSource {
	return &HTTPSource{
		URL:    snapshotURL,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSource) Open(ctx context.Context, c Constraints) (Stream, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid camera URL: %w", err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !s.AllowInsecure && !isLoopback(u.Hostname()) {
			return nil, fmt.Errorf("%w: %s", ErrInsecureContext, u.Redacted())
		}
	default:
		return nil, fmt.Errorf("unsupported camera URL scheme: %s", u.Scheme)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	st := &httpStream{
		client: client,
		url:    u.String(),
		tracks: []Track{newVideoTrack(u.Host)},
	}
	// One fetch up front surfaces permission and availability errors at
	// acquisition time, not on the first detection frame.
	if _, err := st.fetch(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

type httpStream struct {
	client *http.Client
	url    string

	mu     sync.Mutex
	tracks []Track
}

func (s *httpStream) ReadFrame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	stopped := s.tracks == nil
	s.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}
	return s.fetch(ctx)
}

func (s *httpStream) fetch(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "image/jpeg, image/png")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: HTTP %d", ErrPermissionDenied, resp.StatusCode)
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: HTTP %d", ErrNotFound, resp.StatusCode)
	case http.StatusConflict, http.StatusLocked, http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: HTTP %d", ErrBusy, resp.StatusCode)
	default:
		return nil, fmt.Errorf("camera returned HTTP %d %s", resp.StatusCode, resp.Status)
	}

	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}

func (s *httpStream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Track(nil), s.tracks...)
}

func (s *httpStream) Stop() {
	s.mu.Lock()
	s.tracks = nil
	s.mu.Unlock()
	if t, ok := s.client.Transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
