package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"
)

type memoryObject struct {
	data         []byte
	contentType  string
	etag         string
	metadata     map[string]string
	lastModified time.Time
	writes       int
}

// Memory is an in-process Client used by tests and local runs.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]*memoryObject
	now     func() time.Time
}

// NewMemory creates an empty in-memory object store.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string]*memoryObject),
		now:     time.Now,
	}
}

func memoryKey(bucket, key string) string {
	return bucket + "/" + key
}

func (m *Memory) Exists(ctx context.Context, bucket, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.objects[memoryKey(bucket, key)]
	return ok, nil
}

func (m *Memory) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[memoryKey(bucket, key)]
	if !ok {
		return nil, ObjectInfo{}, fmt.Errorf("get object %s/%s: %w", bucket, key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), m.info(bucket, key, obj), nil
}

func (m *Memory) Put(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read object body: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("put object: size mismatch: declared %d, read %d", size, len(data))
	}

	sum := md5.Sum(data)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := memoryKey(bucket, key)
	writes := 0
	if prev, ok := m.objects[k]; ok {
		writes = prev.writes
	}
	m.objects[k] = &memoryObject{
		data:         data,
		contentType:  contentType,
		etag:         hex.EncodeToString(sum[:]),
		metadata:     opts.Metadata,
		lastModified: m.now().UTC(),
		writes:       writes + 1,
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// Stat returns the stored object's info without opening it.
func (m *Memory) Stat(bucket, key string) (ObjectInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[memoryKey(bucket, key)]
	if !ok {
		return ObjectInfo{}, false
	}
	return m.info(bucket, key, obj), true
}

// Writes reports how many times Put has stored the given object.
func (m *Memory) Writes(bucket, key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if obj, ok := m.objects[memoryKey(bucket, key)]; ok {
		return obj.writes
	}
	return 0
}

func (m *Memory) info(bucket, key string, obj *memoryObject) ObjectInfo {
	return ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         int64(len(obj.data)),
		ETag:         obj.etag,
		ContentType:  obj.contentType,
		LastModified: obj.lastModified,
	}
}
