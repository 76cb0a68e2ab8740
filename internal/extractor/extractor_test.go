package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/your-org/imagemeta/internal/pipeline"
	"github.com/your-org/imagemeta/pkg/storage/objectstore"
)

const (
	testBucket = "uploads"
	testPrefix = "metadata"
)

var processedAt = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	args := m.Called(ctx, bucket, key)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	args := m.Called(ctx, bucket, key)
	rc, _ := args.Get(0).(io.ReadCloser)
	return rc, args.Get(1).(objectstore.ObjectInfo), args.Error(2)
}

func (m *mockStore) Put(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts objectstore.PutOptions) error {
	return m.Called(ctx, bucket, key, reader, size, opts).Error(0)
}

func (m *mockStore) Close() error {
	return m.Called().Error(0)
}

func newTestExtractor(store objectstore.Client, logger *zap.Logger) *Extractor {
	return New(Params{
		Store:        store,
		OutputPrefix: testPrefix,
		Logger:       logger,
		Now:          func() time.Time { return processedAt },
	})
}

func messageBody(t *testing.T, key string, etag *string) []byte {
	t.Helper()
	body, err := json.Marshal(pipeline.QueueMessage{Bucket: testBucket, Key: key, ETag: etag, Timestamp: processedAt})
	require.NoError(t, err)
	return body
}

func putSource(t *testing.T, store *objectstore.Memory, key string, data []byte) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), testBucket, key, bytes.NewReader(data), int64(len(data)), objectstore.PutOptions{}))
}

func readArtifact(t *testing.T, store *objectstore.Memory, key string) (pipeline.ImageMetadata, map[string]any) {
	t.Helper()
	rc, info, err := store.Get(context.Background(), testBucket, pipeline.MetadataKey(testPrefix, key))
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, pipeline.ArtifactContentType, info.ContentType)

	raw, err := io.ReadAll(rc)
	require.NoError(t, err)

	var meta pipeline.ImageMetadata
	require.NoError(t, json.Unmarshal(raw, &meta))
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	return meta, fields
}

func TestProcessMessage_JPEGWithoutEXIF(t *testing.T) {
	// Arrange
	ctx := context.Background()
	store := objectstore.NewMemory()
	jpg := encodeJPEG(t, 200, 100)
	putSource(t, store, "incoming/tiny.jpg", jpg)
	etag := "d41d8cd9"
	ex := newTestExtractor(store, nil)

	// Act
	outcome, err := ex.ProcessMessage(ctx, messageBody(t, "incoming/tiny.jpg", &etag))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, Written, outcome)

	meta, fields := readArtifact(t, store, "incoming/tiny.jpg")
	assert.Equal(t, testBucket, meta.Bucket)
	assert.Equal(t, "incoming/tiny.jpg", meta.Key)
	require.NotNil(t, meta.ETag)
	assert.Equal(t, etag, *meta.ETag)
	assert.Equal(t, "JPEG", meta.Format)
	assert.Equal(t, 200, meta.Width)
	assert.Equal(t, 100, meta.Height)
	assert.Equal(t, int64(len(jpg)), meta.FileSize)
	assert.Equal(t, processedAt, meta.ProcessedAt)

	assert.Contains(t, fields, "exif")
	assert.Nil(t, fields["exif"])
	assert.Equal(t, "2024-05-01T10:00:00Z", fields["processed_at"])
	assert.Contains(t, fields, "file_size")
}

func TestProcessMessage_PNG(t *testing.T) {
	store := objectstore.NewMemory()
	putSource(t, store, "a.png", encodePNG(t, 3, 7))

	_, err := newTestExtractor(store, nil).ProcessMessage(context.Background(), messageBody(t, "a.png", nil))
	require.NoError(t, err)

	meta, fields := readArtifact(t, store, "a.png")
	assert.Equal(t, "PNG", meta.Format)
	assert.Equal(t, 3, meta.Width)
	assert.Equal(t, 7, meta.Height)
	assert.Nil(t, fields["etag"])
	assert.Nil(t, fields["exif"])
}

func TestProcessMessage_WithEXIF(t *testing.T) {
	store := objectstore.NewMemory()
	putSource(t, store, "cam.jpg", withEXIF(t, encodeJPEG(t, 16, 8), sampleTIFF()))

	_, err := newTestExtractor(store, nil).ProcessMessage(context.Background(), messageBody(t, "cam.jpg", nil))
	require.NoError(t, err)

	_, fields := readArtifact(t, store, "cam.jpg")
	exif, ok := fields["exif"].(map[string]any)
	require.True(t, ok, "exif should be an object, got %T", fields["exif"])
	assert.Equal(t, "Acme", exif["Make"])
	assert.Equal(t, float64(1), exif["Orientation"])
	assert.Equal(t, float64(7), exif["49374"])
	assert.Equal(t, "2024:05:01 12:00:00", exif["DateTimeOriginal"])
}

func TestProcessMessage_RedeliveryIsSkipped(t *testing.T) {
	// Arrange
	ctx := context.Background()
	store := objectstore.NewMemory()
	putSource(t, store, "incoming/tiny.jpg", encodeJPEG(t, 200, 100))
	core, logs := observer.New(zapcore.InfoLevel)
	ex := newTestExtractor(store, zap.New(core))
	body := messageBody(t, "incoming/tiny.jpg", nil)
	metaKey := pipeline.MetadataKey(testPrefix, "incoming/tiny.jpg")

	first, err := ex.ProcessMessage(ctx, body)
	require.NoError(t, err)
	require.Equal(t, Written, first)
	before, ok := store.Stat(testBucket, metaKey)
	require.True(t, ok)

	// Act
	second, err := ex.ProcessMessage(ctx, body)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, Skipped, second)
	assert.Equal(t, 1, store.Writes(testBucket, metaKey))

	after, _ := store.Stat(testBucket, metaKey)
	assert.Equal(t, before.LastModified, after.LastModified)
	assert.Equal(t, before.ETag, after.ETag)

	skips := logs.FilterMessage("metadata already exists, skipping").All()
	require.Len(t, skips, 1)
	assert.Equal(t, metaKey, skips[0].ContextMap()["metadata_key"])
}

func TestProcessMessage_ReuploadUnderSameKeyIsSkipped(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	ex := newTestExtractor(store, nil)
	putSource(t, store, "photo.png", encodePNG(t, 10, 10))

	_, err := ex.ProcessMessage(ctx, messageBody(t, "photo.png", nil))
	require.NoError(t, err)

	putSource(t, store, "photo.png", encodePNG(t, 20, 20))
	newTag := "changed"
	outcome, err := ex.ProcessMessage(ctx, messageBody(t, "photo.png", &newTag))

	require.NoError(t, err)
	assert.Equal(t, Skipped, outcome)
	meta, _ := readArtifact(t, store, "photo.png")
	assert.Equal(t, 10, meta.Width)
}

func TestProcessMessage_DecodeFailurePropagates(t *testing.T) {
	store := objectstore.NewMemory()
	putSource(t, store, "fake.jpg", []byte("definitely not an image"))

	_, err := newTestExtractor(store, nil).ProcessMessage(context.Background(), messageBody(t, "fake.jpg", nil))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
	assert.ErrorContains(t, err, "text/plain")
	exists, _ := store.Exists(context.Background(), testBucket, pipeline.MetadataKey(testPrefix, "fake.jpg"))
	assert.False(t, exists)
}

func TestProcessMessage_MissingSource(t *testing.T) {
	_, err := newTestExtractor(objectstore.NewMemory(), nil).ProcessMessage(context.Background(), messageBody(t, "gone.png", nil))

	assert.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestProcessMessage_InvalidBody(t *testing.T) {
	ex := newTestExtractor(objectstore.NewMemory(), nil)

	for _, body := range []string{`not json`, `{"bucket":"b"}`, `{"key":"k"}`} {
		_, err := ex.ProcessMessage(context.Background(), []byte(body))
		assert.Error(t, err, body)
	}
}

func TestProcessMessage_GuardErrorPropagates(t *testing.T) {
	// Arrange
	ctx := context.Background()
	store := &mockStore{}
	lookupErr := errors.New("access denied")
	store.On("Exists", mock.Anything, testBucket, "metadata/x.png.json").Return(false, lookupErr)

	// Act
	_, err := newTestExtractor(store, nil).ProcessMessage(ctx, messageBody(t, "x.png", nil))

	// Assert
	assert.ErrorIs(t, err, lookupErr)
	store.AssertNotCalled(t, "Get", mock.Anything, mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessMessage_WriteFailurePropagates(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	img := encodePNG(t, 4, 4)
	store.On("Exists", mock.Anything, testBucket, "metadata/y.png.json").Return(false, nil)
	store.On("Get", mock.Anything, testBucket, "y.png").
		Return(io.NopCloser(bytes.NewReader(img)), objectstore.ObjectInfo{Size: 999}, nil)
	store.On("Put", mock.Anything, testBucket, "metadata/y.png.json", mock.Anything, mock.Anything,
		objectstore.PutOptions{ContentType: "application/json"}).Return(errors.New("quota exceeded"))

	_, err := newTestExtractor(store, nil).ProcessMessage(ctx, messageBody(t, "y.png", nil))

	assert.ErrorContains(t, err, "quota exceeded")
	store.AssertExpectations(t)
}

func TestProcessMessage_FileSizeFromFetch(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	img := encodePNG(t, 4, 4)
	var written []byte
	store.On("Exists", mock.Anything, testBucket, "metadata/z.png.json").Return(false, nil)
	store.On("Get", mock.Anything, testBucket, "z.png").
		Return(io.NopCloser(bytes.NewReader(img)), objectstore.ObjectInfo{Size: 4242}, nil)
	store.On("Put", mock.Anything, testBucket, "metadata/z.png.json", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			written, _ = io.ReadAll(args.Get(3).(io.Reader))
		}).Return(nil)

	outcome, err := newTestExtractor(store, nil).ProcessMessage(ctx, messageBody(t, "z.png", nil))
	require.NoError(t, err)
	assert.Equal(t, Written, outcome)

	var meta pipeline.ImageMetadata
	require.NoError(t, json.Unmarshal(written, &meta))
	assert.Equal(t, int64(4242), meta.FileSize)
	assert.Contains(t, string(written), "\n  \"bucket\"")
}

func TestProcessBatch(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	putSource(t, store, "one.png", encodePNG(t, 2, 2))
	putSource(t, store, "bad.png", []byte("garbage"))
	putSource(t, store, "three.png", encodePNG(t, 2, 2))
	ex := newTestExtractor(store, nil)

	done, err := ex.ProcessBatch(ctx, [][]byte{
		messageBody(t, "one.png", nil),
		messageBody(t, "bad.png", nil),
		messageBody(t, "three.png", nil),
	})

	require.Error(t, err)
	assert.Equal(t, 1, done)
	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 1, batchErr.Index)
	assert.ErrorIs(t, err, ErrDecode)
	assert.Equal(t, 0, store.Writes(testBucket, pipeline.MetadataKey(testPrefix, "three.png")))

	done, err = ex.ProcessBatch(ctx, nil)
	assert.NoError(t, err)
	assert.Zero(t, done)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "skipped", Skipped.String())
	assert.Equal(t, "written", Written.String())
	assert.Equal(t, "unknown", Outcome(0).String())
}
