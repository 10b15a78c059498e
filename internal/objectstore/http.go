package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPStore reads objects over plain HTTP(S), e.g. a public bucket website
// or a presigned gateway. Objects live at <baseURL>/<bucket>/<key>.
type HTTPStore struct {
	baseURL    string
	httpClient *http.Client
	maxBytes   int64
}

// NewHTTPStore creates a new HTTP store
func NewHTTPStore(baseURL string, timeout time.Duration, maxBytes int64) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxBytes: maxBytes,
	}
}

// Fetch retrieves the object in a single request. There is no retry: a failed
// fetch aborts the run.
func (s *HTTPStore) Fetch(ctx context.Context, loc Location) ([]byte, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}

	objectURL := s.objectURL(loc)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, objectURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "text/csv, */*")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", loc, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", loc, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%s: %w", loc, ErrAccessDenied)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("failed to fetch %s: unexpected status %d", loc, resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if s.maxBytes > 0 {
		body = io.LimitReader(resp.Body, s.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", loc, err)
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, sizeError(loc, s.maxBytes)
	}
	return data, nil
}

func (s *HTTPStore) objectURL(loc Location) string {
	parts := []string{s.baseURL}
	if loc.Bucket != "" {
		parts = append(parts, url.PathEscape(loc.Bucket))
	}
	for _, seg := range strings.Split(strings.TrimLeft(loc.Key, "/"), "/") {
		parts = append(parts, url.PathEscape(seg))
	}
	return strings.Join(parts, "/")
}

// Close releases idle connections.
func (s *HTTPStore) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}
