package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ArtifactContentType is the content type metadata artifacts are stored with.
const ArtifactContentType = "application/json"

var validate = validator.New(validator.WithRequiredStructEnabled())

// UploadEvent is one object-created record from a bucket notification.
type UploadEvent struct {
	EventName string
	Bucket    string
	Key       string
	ETag      *string
}

// QueueMessage is published by the filter and consumed by the extractor.
type QueueMessage struct {
	Bucket    string    `json:"bucket" validate:"required"`
	Key       string    `json:"key" validate:"required"`
	ETag      *string   `json:"etag"`
	Timestamp time.Time `json:"timestamp"`
}

// ImageMetadata is the artifact written next to every processed image.
type ImageMetadata struct {
	Bucket      string         `json:"bucket"`
	Key         string         `json:"key"`
	ETag        *string        `json:"etag"`
	Format      string         `json:"format"`
	Width       int            `json:"width"`
	Height      int            `json:"height"`
	FileSize    int64          `json:"file_size"`
	EXIF        map[string]any `json:"exif"`
	ProcessedAt time.Time      `json:"processed_at"`
}

// NewQueueMessage builds the message for an event, stamped with the given time in UTC.
func NewQueueMessage(ev UploadEvent, now time.Time) QueueMessage {
	return QueueMessage{
		Bucket:    ev.Bucket,
		Key:       ev.Key,
		ETag:      ev.ETag,
		Timestamp: now.UTC(),
	}
}

// DecodeQueueMessage parses a queue message body and checks required fields.
func DecodeQueueMessage(body []byte) (QueueMessage, error) {
	var msg QueueMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return QueueMessage{}, fmt.Errorf("unmarshal queue message: %w", err)
	}
	if err := validate.Struct(msg); err != nil {
		return QueueMessage{}, fmt.Errorf("invalid queue message: %w", err)
	}
	return msg, nil
}

// MetadataKey derives the artifact key for a source key. The prefix is
// prepended verbatim so distinct source keys never collide.
func MetadataKey(prefix, key string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + key + ".json"
}
