package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

const sampleCSV = "Year,Injury Result Description\n2015,Reported Serious Injury\n"

func TestHTTPStore_Fetch(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/incidents/raw/tfl%20bus.csv", "/incidents/raw/tfl bus.csv":
			w.Header().Set("Content-Type", "text/csv")
			_, _ = w.Write([]byte(sampleCSV))
		case "/incidents/private.csv":
			w.WriteHeader(http.StatusForbidden)
		case "/incidents/broken.csv":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer mockServer.Close()

	store := NewHTTPStore(mockServer.URL+"/", 5*time.Second, 0)
	defer store.Close()
	ctx := context.Background()

	data, err := store.Fetch(ctx, Location{Bucket: "incidents", Key: "raw/tfl bus.csv"})
	require.NoError(t, err)
	assert.Equal(t, sampleCSV, string(data))

	_, err = store.Fetch(ctx, Location{Bucket: "incidents", Key: "missing.csv"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Fetch(ctx, Location{Bucket: "incidents", Key: "private.csv"})
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = store.Fetch(ctx, Location{Bucket: "incidents", Key: "broken.csv"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 500")
}

func TestHTTPStore_SizeLimit(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleCSV))
	}))
	defer mockServer.Close()

	store := NewHTTPStore(mockServer.URL, time.Second, 10)
	_, err := store.Fetch(context.Background(), Location{Bucket: "b", Key: "k.csv"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 10 bytes")
}

func TestHTTPStore_ContextCancelled(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleCSV))
	}))
	defer mockServer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := NewHTTPStore(mockServer.URL, time.Second, 0)
	_, err := store.Fetch(ctx, Location{Bucket: "b", Key: "k.csv"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileStore_Fetch(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "incidents", "raw"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "incidents", "raw", "tfl.csv"), []byte(sampleCSV), 0o644))

	store := NewFileStore(root, 0)
	ctx := context.Background()

	data, err := store.Fetch(ctx, Location{Bucket: "incidents", Key: "raw/tfl.csv"})
	require.NoError(t, err)
	assert.Equal(t, sampleCSV, string(data))

	_, err = store.Fetch(ctx, Location{Bucket: "incidents", Key: "raw/other.csv"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Fetch(ctx, Location{Bucket: "incidents", Key: "raw"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Fetch(ctx, Location{Bucket: "incidents", Key: "../escape.csv"})
	assert.Error(t, err)

	_, err = store.Fetch(ctx, Location{Bucket: "incidents"})
	assert.Error(t, err)

	limited := NewFileStore(root, 4)
	_, err = limited.Fetch(ctx, Location{Bucket: "incidents", Key: "raw/tfl.csv"})
	assert.Error(t, err)
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(context.Background(), Options{Backend: "ftp"})
	assert.Error(t, err)

	store, err := New(context.Background(), Options{Backend: "file", Root: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)
}

func TestClassifyGCSError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"object missing", storage.ErrObjectNotExist, ErrNotFound},
		{"bucket missing", storage.ErrBucketNotExist, ErrNotFound},
		{"forbidden", &googleapi.Error{Code: http.StatusForbidden}, ErrAccessDenied},
		{"unauthorized", fmt.Errorf("read: %w", &googleapi.Error{Code: http.StatusUnauthorized}), ErrAccessDenied},
		{"api not found", &googleapi.Error{Code: http.StatusNotFound}, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyGCSError(tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.err)
		})
	}

	other := errors.New("connection reset")
	assert.Equal(t, other, classifyGCSError(other))
}

func TestLocation(t *testing.T) {
	loc := Location{Bucket: "incidents", Key: "/raw/tfl.csv"}
	assert.Equal(t, "incidents/raw/tfl.csv", loc.String())
	assert.NoError(t, loc.Validate())
	assert.Error(t, Location{Bucket: "incidents"}.Validate())
}
