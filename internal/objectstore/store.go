// Package objectstore fetches the raw incident CSV from an object store.
//
// Every backend exposes the same key-addressed byte fetch. The bucket and key
// are passed in at call time rather than captured by the backend, so one store
// can serve any number of datasets.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the bucket or object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrAccessDenied is returned when the credentials cannot read the object.
	ErrAccessDenied = errors.New("access denied")
)

// Location addresses one object.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string {
	return l.Bucket + "/" + strings.TrimLeft(l.Key, "/")
}

// Validate checks that the location can be fetched
func (l Location) Validate() error {
	if l.Key == "" {
		return errors.New("object key must not be empty")
	}
	if strings.Contains(l.Key, "..") {
		return fmt.Errorf("object key %q must not contain '..'", l.Key)
	}
	return nil
}

// Store fetches an object's bytes.
type Store interface {
	Fetch(ctx context.Context, loc Location) ([]byte, error)
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend         string // "gcs", "http" or "file"
	BaseURL         string // http backend
	Root            string // file backend
	CredentialsFile string // gcs backend; empty uses application default credentials
	Endpoint        string // gcs backend; overrides the API endpoint (emulators)
	Timeout         time.Duration
	MaxObjectBytes  int64
}

// New builds the backend named in opts.
func New(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "gcs":
		return NewGCSStore(ctx, opts.CredentialsFile, opts.Endpoint, opts.Timeout, opts.MaxObjectBytes)
	case "http":
		return NewHTTPStore(opts.BaseURL, opts.Timeout, opts.MaxObjectBytes), nil
	case "file":
		return NewFileStore(opts.Root, opts.MaxObjectBytes), nil
	default:
		return nil, fmt.Errorf("unknown object store backend %q", opts.Backend)
	}
}

func sizeError(loc Location, limit int64) error {
	return fmt.Errorf("object %s exceeds %d bytes", loc, limit)
}
