package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/your-org/imagemeta/pkg/queue"
)

// Config selects the broker and the durable queue.
type Config struct {
	URL         string
	Queue       string
	ConsumerTag string
	Prefetch    int
	// MaxDeliver, when positive, declares a quorum queue that dead-letters a
	// message to "<Queue>.dead" after that many deliveries. Publisher and
	// consumer must agree on it.
	MaxDeliver int
}

// DeadLetterQueue names the queue that receives messages past the delivery limit.
func (c Config) DeadLetterQueue() string {
	return c.Queue + ".dead"
}

func queueArgs(cfg Config) amqp.Table {
	if cfg.MaxDeliver <= 0 {
		return nil
	}
	return amqp.Table{
		"x-queue-type":              "quorum",
		"x-delivery-limit":          int64(cfg.MaxDeliver),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DeadLetterQueue(),
	}
}

// Client publishes to and consumes from a single durable queue over one channel.
type Client struct {
	cfg        Config
	conn       *amqp.Connection
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
	logger     *zap.Logger
}

// Dial connects with retries and declares the queue.
func Dial(cfg Config, logger *zap.Logger) (*Client, error) {
	conn, err := connectWithRetry(cfg.URL, 5, 2*time.Second, logger)
	if err != nil {
		return nil, err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if cfg.MaxDeliver > 0 {
		if _, err := channel.QueueDeclare(cfg.DeadLetterQueue(), true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", cfg.DeadLetterQueue(), err)
		}
	}

	_, err = channel.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		queueArgs(cfg),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}

	return &Client{cfg: cfg, conn: conn, channel: channel, logger: logger}, nil
}

func connectWithRetry(url string, maxRetries int, delay time.Duration, logger *zap.Logger) (*amqp.Connection, error) {
	var err error
	for i := 0; i < maxRetries; i++ {
		var conn *amqp.Connection
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		logger.Warn("rabbitmq dial failed", zap.Int("attempt", i+1), zap.Error(err))
		if i < maxRetries-1 {
			time.Sleep(delay)
		}
	}
	return nil, fmt.Errorf("connect rabbitmq after %d attempts: %w", maxRetries, err)
}

// Subscribe starts a manual-ack consumer with the configured prefetch.
func (c *Client) Subscribe() error {
	prefetch := c.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := c.channel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := c.channel.Consume(
		c.cfg.Queue,
		c.cfg.ConsumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}
	c.deliveries = deliveries
	return nil
}

func (c *Client) Publish(ctx context.Context, msg queue.Message) error {
	headers := amqp.Table{}
	for k, v := range msg.Attributes {
		headers[k] = v
	}
	err := c.channel.PublishWithContext(ctx,
		"",          // default exchange
		c.cfg.Queue, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      headers,
			Body:         msg.Body,
			Timestamp:    time.Now().UTC(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", c.cfg.Queue, err)
	}
	return nil
}

func (c *Client) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Delivery, error) {
	if c.deliveries == nil {
		return nil, errors.New("rabbitmq consumer not subscribed")
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var out []queue.Delivery
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, errors.New("rabbitmq delivery channel closed")
		}
		out = append(out, &delivery{d: d})
	}

	// Take whatever else is already buffered without waiting again.
	for len(out) < max {
		select {
		case d, ok := <-c.deliveries:
			if !ok {
				return out, nil
			}
			out = append(out, &delivery{d: d})
		default:
			return out, nil
		}
	}
	return out, nil
}

// Close closes the channel and the connection.
func (c *Client) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Body() []byte { return d.d.Body }

func (d *delivery) Ack(ctx context.Context) error {
	if err := d.d.Ack(false); err != nil {
		return fmt.Errorf("ack amqp delivery: %w", err)
	}
	return nil
}

// Nack requeues the delivery. On a queue declared with MaxDeliver the broker
// dead-letters it once the delivery limit is reached.
func (d *delivery) Nack(ctx context.Context) error {
	if err := d.d.Nack(false, true); err != nil {
		return fmt.Errorf("nack amqp delivery: %w", err)
	}
	return nil
}

var (
	_ queue.Publisher = (*Client)(nil)
	_ queue.Receiver  = (*Client)(nil)
)
