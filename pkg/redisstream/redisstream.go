package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/your-org/imagemeta/pkg/queue"
)

const payloadField = "payload"

// Config selects the stream and, for consumers, the consumer group.
type Config struct {
	Stream   string
	Group    string
	Consumer string
	MaxLen   int64
	// MinIdle is how long a delivered but unacknowledged entry stays pending
	// before Receive claims it again.
	MinIdle time.Duration
}

// Client is a Redis Streams publisher and consumer-group reader.
type Client struct {
	rc  redis.UniversalClient
	cfg Config
}

// New wraps an existing redis client.
func New(rc redis.UniversalClient, cfg Config) *Client {
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = 30 * time.Second
	}
	return &Client{rc: rc, cfg: cfg}
}

// EnsureGroup creates the consumer group, creating the stream if needed.
func (c *Client) EnsureGroup(ctx context.Context) error {
	err := c.rc.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	// BUSYGROUP means the group already exists.
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s: %w", c.cfg.Group, err)
	}
	return nil
}

func (c *Client) Publish(ctx context.Context, msg queue.Message) error {
	values := map[string]any{payloadField: string(msg.Body)}
	for k, v := range msg.Attributes {
		if k != payloadField {
			values[k] = v
		}
	}
	err := c.rc.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.Stream,
		MaxLen: c.cfg.MaxLen,
		Approx: c.cfg.MaxLen > 0,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", c.cfg.Stream, err)
	}
	return nil
}

// Receive first reclaims entries left pending past MinIdle (nacked or
// abandoned by a crashed consumer), then reads new entries.
func (c *Client) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Delivery, error) {
	claimed, _, err := c.rc.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.MinIdle,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim %s: %w", c.cfg.Stream, err)
	}
	if len(claimed) > 0 {
		return c.deliveries(claimed), nil
	}

	streams, err := c.rc.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    int64(max),
		Block:    wait,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", c.cfg.Stream, err)
	}

	var out []queue.Delivery
	for _, s := range streams {
		out = append(out, c.deliveries(s.Messages)...)
	}
	return out, nil
}

func (c *Client) deliveries(msgs []redis.XMessage) []queue.Delivery {
	out := make([]queue.Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &delivery{client: c, id: m.ID, body: payload(m)})
	}
	return out
}

func payload(m redis.XMessage) []byte {
	raw, _ := m.Values[payloadField].(string)
	return []byte(raw)
}

// Close closes the redis client.
func (c *Client) Close() error {
	return c.rc.Close()
}

type delivery struct {
	client *Client
	id     string
	body   []byte
}

func (d *delivery) Body() []byte { return d.body }

func (d *delivery) Ack(ctx context.Context) error {
	if err := d.client.rc.XAck(ctx, d.client.cfg.Stream, d.client.cfg.Group, d.id).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", d.id, err)
	}
	return nil
}

// Nack leaves the entry in the pending list; Receive claims it after MinIdle.
func (d *delivery) Nack(ctx context.Context) error {
	return nil
}

var (
	_ queue.Publisher = (*Client)(nil)
	_ queue.Receiver  = (*Client)(nil)
)
