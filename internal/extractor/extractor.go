package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/your-org/imagemeta/internal/pipeline"
	"github.com/your-org/imagemeta/pkg/storage/objectstore"
	"github.com/your-org/imagemeta/pkg/tracing"
)

// ErrDecode marks source objects that are not decodable images.
var ErrDecode = errors.New("decode image")

var tracer = tracing.Tracer("extractor")

// Outcome is the terminal state of a successfully handled message.
type Outcome int

const (
	// Skipped means an artifact already existed and nothing was written.
	Skipped Outcome = iota + 1
	// Written means a new artifact was stored.
	Written
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Written:
		return "written"
	}
	return "unknown"
}

// BatchError reports which message of a batch failed. Messages before Index
// completed; messages after it were not attempted.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("message %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Extractor turns queue messages into metadata artifacts.
type Extractor struct {
	store        objectstore.Client
	guard        *Guard
	outputPrefix string
	logger       *zap.Logger
	now          func() time.Time
}

type Params struct {
	Store        objectstore.Client
	OutputPrefix string
	Logger       *zap.Logger
	Now          func() time.Time
}

// New constructs an Extractor.
func New(p Params) *Extractor {
	e := &Extractor{
		store:        p.Store,
		guard:        NewGuard(p.Store),
		outputPrefix: p.OutputPrefix,
		logger:       p.Logger,
		now:          p.Now,
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// ProcessMessage handles one queue message body. Redelivered messages whose
// artifact already exists are skipped.
func (e *Extractor) ProcessMessage(ctx context.Context, body []byte) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "extractor.ProcessMessage")
	defer span.End()

	outcome, err := e.process(ctx, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "process message failed")
		return 0, err
	}
	span.SetAttributes(attribute.String("extractor.outcome", outcome.String()))
	return outcome, nil
}

func (e *Extractor) process(ctx context.Context, body []byte) (Outcome, error) {
	msg, err := pipeline.DecodeQueueMessage(body)
	if err != nil {
		e.logger.Error("invalid queue message", zap.Error(err))
		return 0, err
	}

	metadataKey := pipeline.MetadataKey(e.outputPrefix, msg.Key)
	logger := e.logger.With(
		zap.String("bucket", msg.Bucket),
		zap.String("key", msg.Key),
		zap.String("metadata_key", metadataKey),
	)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("s3.bucket", msg.Bucket),
		attribute.String("s3.key", msg.Key),
	)

	exists, err := e.guard.Exists(ctx, msg.Bucket, metadataKey)
	if err != nil {
		logger.Error("idempotency check failed", zap.Error(err))
		return 0, err
	}
	if exists {
		logger.Info("metadata already exists, skipping")
		return Skipped, nil
	}

	meta, err := e.extract(ctx, msg)
	if err != nil {
		logger.Error("extraction failed", zap.Error(err))
		return 0, err
	}

	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		logger.Error("marshal metadata failed", zap.Error(err))
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}

	err = e.store.Put(ctx, msg.Bucket, metadataKey, bytes.NewReader(payload), int64(len(payload)), objectstore.PutOptions{
		ContentType: pipeline.ArtifactContentType,
	})
	if err != nil {
		logger.Error("write metadata failed", zap.Error(err))
		return 0, fmt.Errorf("put metadata %s/%s: %w", msg.Bucket, metadataKey, err)
	}

	logger.Info("metadata written",
		zap.String("format", meta.Format),
		zap.Int("width", meta.Width),
		zap.Int("height", meta.Height),
		zap.Bool("exif", meta.EXIF != nil),
	)
	return Written, nil
}

func (e *Extractor) extract(ctx context.Context, msg pipeline.QueueMessage) (*pipeline.ImageMetadata, error) {
	rc, info, err := e.store.Get(ctx, msg.Bucket, msg.Key)
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", msg.Bucket, msg.Key, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", msg.Bucket, msg.Key, err)
	}

	cfg, format, err := decodeConfig(data)
	if err != nil {
		return nil, err
	}

	size := info.Size
	if size <= 0 {
		size = int64(len(data))
	}

	return &pipeline.ImageMetadata{
		Bucket:      msg.Bucket,
		Key:         msg.Key,
		ETag:        msg.ETag,
		Format:      format,
		Width:       cfg.Width,
		Height:      cfg.Height,
		FileSize:    size,
		EXIF:        ExtractEXIF(data, format),
		ProcessedAt: e.now().UTC(),
	}, nil
}

// decodeConfig reads the image header and reports the container format in
// upper case, as in "JPEG".
func decodeConfig(data []byte) (image.Config, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, "", fmt.Errorf("%w (detected %s): %w", ErrDecode, mimetype.Detect(data).String(), err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return image.Config{}, "", fmt.Errorf("%w: invalid dimensions %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}
	return cfg, strings.ToUpper(format), nil
}

// ProcessBatch handles bodies in order and stops at the first failure, which
// is returned as a *BatchError. The count is the number of completed messages.
func (e *Extractor) ProcessBatch(ctx context.Context, bodies [][]byte) (int, error) {
	for i, body := range bodies {
		if _, err := e.ProcessMessage(ctx, body); err != nil {
			return i, &BatchError{Index: i, Err: err}
		}
	}
	return len(bodies), nil
}
