package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/your-org/imagemeta/internal/pipeline"
	"github.com/your-org/imagemeta/pkg/queue"
	"github.com/your-org/imagemeta/pkg/tracing"
)

// DefaultExtensions lists the suffixes forwarded to the extractor.
var DefaultExtensions = []string{".png", ".jpg", ".jpeg"}

var tracer = tracing.Tracer("filter")

// Filter forwards eligible uploads from bucket notifications to the queue.
type Filter struct {
	publisher  queue.Publisher
	logger     *zap.Logger
	extensions []string
	now        func() time.Time
}

type Params struct {
	Publisher queue.Publisher
	Logger    *zap.Logger
	// Extensions overrides DefaultExtensions; matching is case-insensitive.
	Extensions []string
	Now        func() time.Time
}

// New constructs a Filter.
func New(p Params) *Filter {
	f := &Filter{
		publisher:  p.Publisher,
		logger:     p.Logger,
		extensions: DefaultExtensions,
		now:        p.Now,
	}
	if len(p.Extensions) > 0 {
		f.extensions = make([]string, 0, len(p.Extensions))
		for _, ext := range p.Extensions {
			f.extensions = append(f.extensions, strings.ToLower(ext))
		}
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f
}

// Eligible reports whether key ends with one of the allowed extensions.
func (f *Filter) Eligible(key string) bool {
	lower := strings.ToLower(key)
	for _, ext := range f.extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// FilterAndPublish publishes one queue message per eligible event and returns
// how many were published. The first publish failure aborts the batch; messages
// already published stay published.
func (f *Filter) FilterAndPublish(ctx context.Context, events []pipeline.UploadEvent) (int, error) {
	ctx, span := tracer.Start(ctx, "filter.FilterAndPublish")
	defer span.End()
	span.SetAttributes(attribute.Int("filter.records", len(events)))

	published := 0
	for _, ev := range events {
		if !pipeline.IsObjectCreated(ev.EventName) {
			f.logger.Info("skipping non-create event",
				zap.String("event_name", ev.EventName),
				zap.String("bucket", ev.Bucket),
				zap.String("key", ev.Key),
			)
			continue
		}
		if !f.Eligible(ev.Key) {
			f.logger.Info("skipping non-image object",
				zap.String("bucket", ev.Bucket),
				zap.String("key", ev.Key),
			)
			continue
		}

		if err := f.publish(ctx, ev); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "publish failed")
			return published, err
		}
		published++
		f.logger.Info("queued image",
			zap.String("bucket", ev.Bucket),
			zap.String("key", ev.Key),
		)
	}

	span.SetAttributes(attribute.Int("filter.published", published))
	return published, nil
}

func (f *Filter) publish(ctx context.Context, ev pipeline.UploadEvent) error {
	body, err := json.Marshal(pipeline.NewQueueMessage(ev, f.now()))
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}

	err = f.publisher.Publish(ctx, queue.Message{
		Key:  ev.Key,
		Body: body,
		Attributes: map[string]string{
			"bucket":     ev.Bucket,
			"event_type": "image.uploaded",
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s/%s: %w", ev.Bucket, ev.Key, err)
	}
	return nil
}

// Close releases the publisher.
func (f *Filter) Close() error {
	return f.publisher.Close()
}
