package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/your-org/imagemeta/pkg/queue"
)

const batchLinger = 250 * time.Millisecond

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// MaxDeliver caps how often one record is fetched. Past the cap the record
	// is copied to DeadLetterTopic and skipped. Zero disables the cap.
	MaxDeliver int
	// DeadLetterTopic defaults to "<Topic>.dead".
	DeadLetterTopic string
}

type committer interface {
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type position struct {
	partition int
	offset    int64
}

// Consumer reads a topic as part of a consumer group and commits offsets
// explicitly. Kafka has no per-message nack: after a Nack the reader is
// recreated so consumption resumes from the last committed offset.
type Consumer struct {
	cfg    ConsumerConfig
	mu     sync.Mutex
	reader *kafkago.Reader
	reset  bool

	deadLetter messageWriter
	attempts   map[position]int
	dead       map[position]bool
	// started records partitions fetched from since the reader was created.
	// The first record of a partition sits at the committed offset.
	started map[int]bool
}

// NewConsumer constructs a Consumer from the given configuration.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	c := newConsumer(cfg, nil)
	c.reader = newReader(cfg)
	if cfg.MaxDeliver > 0 {
		c.deadLetter = &kafkago.Writer{
			Addr:                   kafkago.TCP(cfg.Brokers...),
			Topic:                  c.cfg.DeadLetterTopic,
			RequiredAcks:           kafkago.RequireAll,
			AllowAutoTopicCreation: true,
		}
	}
	return c
}

func newConsumer(cfg ConsumerConfig, deadLetter messageWriter) *Consumer {
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = cfg.Topic + ".dead"
	}
	return &Consumer{
		cfg:        cfg,
		deadLetter: deadLetter,
		attempts:   make(map[position]int),
		dead:       make(map[position]bool),
		started:    make(map[int]bool),
	}
}

func newReader(cfg ConsumerConfig) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

func (c *Consumer) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Delivery, error) {
	reader, err := c.currentReader()
	if err != nil {
		return nil, err
	}

	var out []queue.Delivery
	for len(out) < max {
		// Block up to wait for the first message, then only linger briefly.
		timeout := wait
		if len(out) > 0 {
			timeout = min(wait, batchLinger)
		}
		m, err := fetch(ctx, reader, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return nil, fmt.Errorf("fetch kafka message: %w", err)
		}

		exhausted, atCommitted := c.track(m)
		if exhausted {
			if err := c.bury(ctx, reader, m, atCommitted); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, &delivery{consumer: c, reader: reader, msg: m})
	}
	return out, nil
}

func fetch(ctx context.Context, reader *kafkago.Reader, timeout time.Duration) (kafkago.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return reader.FetchMessage(ctx)
}

// track counts a fetch of m. It reports whether m is past MaxDeliver and
// whether m is the first record of its partition since the reader started.
func (c *Consumer) track(m kafkago.Message) (exhausted, atCommitted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	atCommitted = !c.started[m.Partition]
	c.started[m.Partition] = true
	if c.cfg.MaxDeliver <= 0 {
		return false, atCommitted
	}
	pos := position{partition: m.Partition, offset: m.Offset}
	c.attempts[pos]++
	return c.attempts[pos] > c.cfg.MaxDeliver, atCommitted
}

// bury copies m to the dead-letter topic once and, when nothing earlier in
// its partition is outstanding, commits past it. Otherwise the commit of a
// later record covers it.
func (c *Consumer) bury(ctx context.Context, commit committer, m kafkago.Message, atCommitted bool) error {
	pos := position{partition: m.Partition, offset: m.Offset}

	c.mu.Lock()
	written := c.dead[pos]
	c.mu.Unlock()

	if !written && c.deadLetter != nil {
		err := c.deadLetter.WriteMessages(ctx, kafkago.Message{
			Key:     m.Key,
			Value:   m.Value,
			Headers: append(append([]kafkago.Header(nil), m.Headers...), sourceHeaders(m)...),
		})
		if err != nil {
			return fmt.Errorf("write kafka dead letter: %w", err)
		}
	}

	c.mu.Lock()
	c.dead[pos] = true
	c.mu.Unlock()

	if !atCommitted {
		return nil
	}
	if err := commit.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("commit kafka offset: %w", err)
	}
	c.forget(m)
	return nil
}

func sourceHeaders(m kafkago.Message) []kafkago.Header {
	return []kafkago.Header{
		{Key: "dead-letter-topic", Value: []byte(m.Topic)},
		{Key: "dead-letter-partition", Value: []byte(strconv.Itoa(m.Partition))},
		{Key: "dead-letter-offset", Value: []byte(strconv.FormatInt(m.Offset, 10))},
	}
}

// forget drops bookkeeping for every record of m's partition up to m.
func (c *Consumer) forget(m kafkago.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for pos := range c.attempts {
		if pos.partition == m.Partition && pos.offset <= m.Offset {
			delete(c.attempts, pos)
		}
	}
	for pos := range c.dead {
		if pos.partition == m.Partition && pos.offset <= m.Offset {
			delete(c.dead, pos)
		}
	}
}

func (c *Consumer) currentReader() (*kafkago.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reset {
		if err := c.reader.Close(); err != nil {
			return nil, fmt.Errorf("close kafka reader: %w", err)
		}
		c.reader = newReader(c.cfg)
		c.reset = false
		clear(c.started)
	}
	return c.reader, nil
}

func (c *Consumer) markReset() {
	c.mu.Lock()
	c.reset = true
	c.mu.Unlock()
}

// Close closes the underlying reader and the dead-letter writer.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.reader.Close()
	if c.deadLetter != nil {
		err = errors.Join(err, c.deadLetter.Close())
	}
	return err
}

type delivery struct {
	consumer *Consumer
	reader   committer
	msg      kafkago.Message
}

func (d *delivery) Body() []byte { return d.msg.Value }

func (d *delivery) Ack(ctx context.Context) error {
	if err := d.reader.CommitMessages(ctx, d.msg); err != nil {
		return fmt.Errorf("commit kafka offset: %w", err)
	}
	d.consumer.forget(d.msg)
	return nil
}

func (d *delivery) Nack(ctx context.Context) error {
	d.consumer.markReset()
	return nil
}

var (
	_ queue.Publisher = (*Producer)(nil)
	_ queue.Receiver  = (*Consumer)(nil)
)
