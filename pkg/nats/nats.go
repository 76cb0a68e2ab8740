package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/your-org/imagemeta/pkg/queue"
)

// Config describes a JetStream stream and, for consumers, the durable consumer.
type Config struct {
	URL          string
	Stream       string
	Subject      string
	ConsumerName string
	MaxDeliver   int
	AckWait      time.Duration
}

// Client publishes to and pulls from a JetStream stream.
type Client struct {
	cfg      Config
	conn     *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	logger   *zap.Logger
}

// Connect dials NATS and makes sure the stream exists.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConsumerName),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.Subject},
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	return &Client{cfg: cfg, conn: conn, js: js, logger: logger}, nil
}

// Subscribe creates or updates the durable pull consumer used by Receive.
func (c *Client) Subscribe(ctx context.Context) error {
	ackWait := c.cfg.AckWait
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       c.cfg.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: c.cfg.Subject,
		AckWait:       ackWait,
		MaxDeliver:    c.cfg.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", c.cfg.ConsumerName, err)
	}
	c.consumer = cons
	return nil
}

func (c *Client) Publish(ctx context.Context, msg queue.Message) error {
	m := nats.NewMsg(c.cfg.Subject)
	m.Data = msg.Body
	for k, v := range msg.Attributes {
		m.Header.Set(k, v)
	}
	if _, err := c.js.PublishMsg(ctx, m); err != nil {
		return fmt.Errorf("publish to %s: %w", c.cfg.Subject, err)
	}
	return nil
}

func (c *Client) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Delivery, error) {
	if c.consumer == nil {
		return nil, errors.New("nats consumer not subscribed")
	}

	batch, err := c.consumer.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", c.cfg.Stream, err)
	}

	var out []queue.Delivery
	for msg := range batch.Messages() {
		out = append(out, &delivery{msg: msg})
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		if len(out) == 0 {
			return nil, fmt.Errorf("fetch from %s: %w", c.cfg.Stream, err)
		}
		c.logger.Warn("partial nats fetch", zap.Int("received", len(out)), zap.Error(err))
	}
	return out, nil
}

// Close drains nothing; unacknowledged messages are redelivered after AckWait.
func (c *Client) Close() error {
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}

type delivery struct {
	msg jetstream.Msg
}

func (d *delivery) Body() []byte { return d.msg.Data() }

func (d *delivery) Ack(ctx context.Context) error {
	if err := d.msg.Ack(); err != nil {
		return fmt.Errorf("ack nats message: %w", err)
	}
	return nil
}

func (d *delivery) Nack(ctx context.Context) error {
	if err := d.msg.Nak(); err != nil {
		return fmt.Errorf("nak nats message: %w", err)
	}
	return nil
}

var (
	_ queue.Publisher = (*Client)(nil)
	_ queue.Receiver  = (*Client)(nil)
)
