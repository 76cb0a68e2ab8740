package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned by Get when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Config contains the information required to talk to an object store.
type Config struct {
	Provider  string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

// ObjectInfo describes a stored object as reported by the backend.
type ObjectInfo struct {
	Bucket       string
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// PutOptions carries per-object attributes for Put.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Client represents the object store capabilities the pipeline relies on.
type Client interface {
	// Exists checks for an object. Absence is (false, nil); any other lookup
	// failure is returned as an error.
	Exists(ctx context.Context, bucket, key string) (bool, error)
	// Get opens the object body. Callers must close the returned reader.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	// Put stores an object. size may be -1 when unknown.
	Put(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) error
	Close() error
}

// New creates an object store client based on the given configuration.
func New(ctx context.Context, cfg Config) (Client, error) {
	switch cfg.Provider {
	case "minio":
		cl, err := newMinioClient(cfg)
		if err != nil {
			return nil, err
		}
		return cl, nil
	case "s3":
		cl, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return cl, nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported object store provider: %s", cfg.Provider)
	}
}
