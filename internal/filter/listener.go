package filter

import (
	"context"
	"errors"
	"fmt"

	"github.com/minio/minio-go/v7/pkg/notification"
	"go.uber.org/zap"

	"github.com/your-org/imagemeta/internal/pipeline"
)

// ErrStreamClosed is returned by Listener.Run when the notification stream
// ends while the context is still live.
var ErrStreamClosed = errors.New("notification stream closed")

// NotificationSource is satisfied by *minio.Client.
type NotificationSource interface {
	ListenBucketNotification(ctx context.Context, bucketName, prefix, suffix string, events []string) <-chan notification.Info
}

// Listener subscribes to a bucket's object-created events and feeds them
// through a Filter, one notification at a time.
type Listener struct {
	source NotificationSource
	filter *Filter
	bucket string
	prefix string
	logger *zap.Logger
}

// NewListener constructs a Listener for bucket, optionally limited to a key prefix.
func NewListener(source NotificationSource, filter *Filter, bucket, prefix string, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		source: source,
		filter: filter,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}
}

// Run blocks until ctx is cancelled, the stream closes, or a publish fails.
// The stream never replays a notification, so a publish failure ends Run and
// the process is expected to exit and be restarted by its supervisor.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("listening for bucket notifications",
		zap.String("bucket", l.bucket),
		zap.String("prefix", l.prefix),
	)

	infos := l.source.ListenBucketNotification(ctx, l.bucket, l.prefix, "", []string{"s3:ObjectCreated:*"})
	for info := range infos {
		if info.Err != nil {
			l.logger.Warn("notification stream error", zap.Error(info.Err))
			continue
		}

		events := l.toEvents(info.Records)
		published, err := l.filter.FilterAndPublish(ctx, events)
		if err != nil {
			l.logger.Error("publish failed",
				zap.Int("published", published),
				zap.Int("records", len(events)),
				zap.Error(err),
			)
			return fmt.Errorf("publish notification: %w", err)
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrStreamClosed
}

func (l *Listener) toEvents(records []notification.Event) []pipeline.UploadEvent {
	events := make([]pipeline.UploadEvent, 0, len(records))
	for _, rec := range records {
		var etag *string
		if rec.S3.Object.ETag != "" {
			e := rec.S3.Object.ETag
			etag = &e
		}
		ev, err := pipeline.NewUploadEvent(rec.EventName, rec.S3.Bucket.Name, rec.S3.Object.Key, etag)
		if err != nil {
			l.logger.Warn("skipping record", zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events
}
