package sqs

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/your-org/imagemeta/pkg/queue"
)

// SQS caps a single ReceiveMessage call at 10 messages and 20s of long polling.
const (
	maxBatch = 10
	maxWait  = 20 * time.Second
)

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Client sends to and receives from one SQS queue.
type Client struct {
	api      API
	queueURL string
}

// New loads the default AWS credential chain for the queue's region.
func New(ctx context.Context, queueURL, fallbackRegion string) (*Client, error) {
	region := RegionFromURL(queueURL)
	if region == "" {
		region = fallbackRegion
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	api := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		// Non-AWS hosts (localstack, elasticmq) take the queue URL's origin as endpoint.
		if u, err := url.Parse(queueURL); err == nil && !strings.HasSuffix(u.Hostname(), "amazonaws.com") {
			o.BaseEndpoint = aws.String(u.Scheme + "://" + u.Host)
		}
	})
	return NewWithAPI(api, queueURL), nil
}

// NewWithAPI wraps an existing SQS API implementation.
func NewWithAPI(api API, queueURL string) *Client {
	return &Client{api: api, queueURL: queueURL}
}

// RegionFromURL extracts the region from sqs.<region>.amazonaws.com hosts.
func RegionFromURL(queueURL string) string {
	u, err := url.Parse(queueURL)
	if err != nil {
		return ""
	}
	parts := strings.Split(u.Hostname(), ".")
	if len(parts) >= 4 && parts[0] == "sqs" && strings.HasSuffix(u.Hostname(), "amazonaws.com") {
		return parts[1]
	}
	return ""
}

func (c *Client) Publish(ctx context.Context, msg queue.Message) error {
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.queueURL),
		MessageBody: aws.String(string(msg.Body)),
	}
	if len(msg.Attributes) > 0 {
		in.MessageAttributes = make(map[string]types.MessageAttributeValue, len(msg.Attributes))
		for k, v := range msg.Attributes {
			in.MessageAttributes[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}
	if _, err := c.api.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("send sqs message: %w", err)
	}
	return nil
}

func (c *Client) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Delivery, error) {
	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: int32(min(max, maxBatch)),
		WaitTimeSeconds:     int32(min(wait, maxWait) / time.Second),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("receive sqs messages: %w", err)
	}

	deliveries := make([]queue.Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		deliveries = append(deliveries, &delivery{
			client:  c,
			body:    []byte(aws.ToString(m.Body)),
			receipt: m.ReceiptHandle,
		})
	}
	return deliveries, nil
}

func (c *Client) Close() error {
	return nil
}

type delivery struct {
	client  *Client
	body    []byte
	receipt *string
}

func (d *delivery) Body() []byte { return d.body }

func (d *delivery) Ack(ctx context.Context) error {
	_, err := d.client.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.client.queueURL),
		ReceiptHandle: d.receipt,
	})
	if err != nil {
		return fmt.Errorf("delete sqs message: %w", err)
	}
	return nil
}

// Nack leaves the message in flight. It reappears once the queue's visibility
// timeout lapses, and the queue's redrive policy moves it to the dead-letter
// queue after maxReceiveCount receives.
func (d *delivery) Nack(ctx context.Context) error {
	return nil
}

var (
	_ queue.Publisher = (*Client)(nil)
	_ queue.Receiver  = (*Client)(nil)
)
