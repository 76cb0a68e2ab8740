package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type minioClient struct {
	client *minio.Client
}

func newMinioClient(cfg Config) (*minioClient, error) {
	cl, err := NewMinioSDK(cfg)
	if err != nil {
		return nil, err
	}
	return &minioClient{client: cl}, nil
}

// NewMinioSDK builds the raw minio client, shared with the bucket listener.
func NewMinioSDK(cfg Config) (*minio.Client, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")
	cl, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return cl, nil
}

func (m *minioClient) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isMinioNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat object: %w", err)
}

func (m *minioClient) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("get object: %w", err)
	}

	// GetObject is lazy; Stat issues the request and surfaces missing keys.
	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isMinioNotFound(err) {
			return nil, ObjectInfo{}, fmt.Errorf("get object %s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, ObjectInfo{}, fmt.Errorf("get object: %w", err)
	}

	return obj, ObjectInfo{
		Bucket:       bucket,
		Key:          st.Key,
		Size:         st.Size,
		ETag:         st.ETag,
		ContentType:  st.ContentType,
		LastModified: st.LastModified,
	}, nil
}

func (m *minioClient) Put(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) error {
	_, err := m.client.PutObject(ctx, bucket, key, reader, size, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (m *minioClient) Close() error {
	return nil
}

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return resp.StatusCode == http.StatusNotFound && resp.Code != "NoSuchBucket"
}
