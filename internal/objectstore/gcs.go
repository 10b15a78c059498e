package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSStore reads objects from Google Cloud Storage.
type GCSStore struct {
	client   *storage.Client
	timeout  time.Duration
	maxBytes int64
}

// NewGCSStore creates a Cloud Storage client. With an endpoint set (an emulator)
// authentication is disabled. A positive timeout bounds each fetch.
func NewGCSStore(ctx context.Context, credentialsFile, endpoint string, timeout time.Duration, maxBytes int64) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs: failed to create client: %w", err)
	}
	return &GCSStore{client: client, timeout: timeout, maxBytes: maxBytes}, nil
}

// Fetch downloads the whole object.
func (s *GCSStore) Fetch(ctx context.Context, loc Location) ([]byte, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	if loc.Bucket == "" {
		return nil, errors.New("gcs: bucket must not be empty")
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	reader, err := s.client.Bucket(loc.Bucket).Object(loc.Key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs: %s: %w", loc, classifyGCSError(err))
	}
	defer reader.Close()

	if s.maxBytes > 0 && reader.Attrs.Size > s.maxBytes {
		return nil, sizeError(loc, s.maxBytes)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gcs: failed to read %s: %w", loc, classifyGCSError(err))
	}
	return data, nil
}

// classifyGCSError maps client errors onto the package sentinels, keeping the
// original error in the chain.
func classifyGCSError(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrAccessDenied, err)
		}
	}
	return err
}

// Close closes the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
