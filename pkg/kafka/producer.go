package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/your-org/imagemeta/pkg/queue"
)

// Producer wraps kafka-go Writer with imagemeta defaults.
type Producer struct {
	writer *kafkago.Writer
}

type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	Compression  kafkago.Compression
	RequiredAcks kafkago.RequiredAcks
	MaxAttempts  int
}

// NewProducer constructs a Producer from the given configuration.
func NewProducer(cfg ProducerConfig) *Producer {
	return &Producer{
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafkago.Hash{},
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			RequiredAcks: cfg.RequiredAcks,
			Compression:  cfg.Compression,
			MaxAttempts:  cfg.MaxAttempts,
		},
	}
}

// Publish writes one message synchronously. The message key selects the
// partition, so redeliveries of one upload land on the same partition.
func (p *Producer) Publish(ctx context.Context, msg queue.Message) error {
	if err := p.writer.WriteMessages(ctx, toKafkaMessage(msg)); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

func toKafkaMessage(msg queue.Message) kafkago.Message {
	km := kafkago.Message{
		Value: msg.Body,
		Time:  time.Now().UTC(),
	}
	if msg.Key != "" {
		km.Key = []byte(msg.Key)
	}
	for k, v := range msg.Attributes {
		km.Headers = append(km.Headers, kafkago.Header{Key: k, Value: []byte(v)})
	}
	return km
}

// CompressionFromString maps textual codec to kafka-go value.
func CompressionFromString(name string) kafkago.Compression {
	switch strings.ToLower(name) {
	case "gzip":
		return kafkago.Gzip
	case "snappy":
		return kafkago.Snappy
	case "lz4":
		return kafkago.Lz4
	case "zstd":
		return kafkago.Zstd
	default:
		return kafkago.Snappy
	}
}
