package pipeline

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Notification mirrors the S3 / MinIO bucket notification document.
type Notification struct {
	Records []NotificationRecord `json:"Records"`
}

type NotificationRecord struct {
	EventName string `json:"eventName"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string  `json:"key"`
			Size int64   `json:"size"`
			ETag *string `json:"eTag"`
		} `json:"object"`
	} `json:"s3"`
}

// ParseNotification decodes a notification document into upload events.
// Keys arrive form-encoded and are unescaped here. A record whose key cannot
// be unescaped is left out of events and reported in skipped; only a
// malformed document fails the whole call.
func ParseNotification(body []byte) (events []UploadEvent, skipped []error, err error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, nil, fmt.Errorf("unmarshal notification: %w", err)
	}

	events = make([]UploadEvent, 0, len(n.Records))
	for i, rec := range n.Records {
		ev, err := NewUploadEvent(rec.EventName, rec.S3.Bucket.Name, rec.S3.Object.Key, rec.S3.Object.ETag)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		events = append(events, ev)
	}
	return events, skipped, nil
}

// NewUploadEvent builds an event from a notification record whose key is
// still form-encoded.
func NewUploadEvent(eventName, bucket, rawKey string, etag *string) (UploadEvent, error) {
	key, err := url.QueryUnescape(rawKey)
	if err != nil {
		return UploadEvent{}, fmt.Errorf("decode key %q: %w", rawKey, err)
	}
	return UploadEvent{
		EventName: eventName,
		Bucket:    bucket,
		Key:       key,
		ETag:      etag,
	}, nil
}

// IsObjectCreated reports whether an event name denotes an object creation.
// Records without an event name are treated as creations.
func IsObjectCreated(eventName string) bool {
	return eventName == "" || strings.Contains(eventName, "ObjectCreated")
}
