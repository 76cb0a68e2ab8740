package kafka

import (
	"context"
	"errors"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/imagemeta/pkg/queue"
)

func TestCompressionFromString(t *testing.T) {
	assert.Equal(t, kafkago.Gzip, CompressionFromString("GZIP"))
	assert.Equal(t, kafkago.Lz4, CompressionFromString("lz4"))
	assert.Equal(t, kafkago.Zstd, CompressionFromString("zstd"))
	assert.Equal(t, kafkago.Snappy, CompressionFromString("unknown"))
}

func TestToKafkaMessage(t *testing.T) {
	km := toKafkaMessage(queue.Message{
		Key:        "incoming/tiny.jpg",
		Body:       []byte(`{"bucket":"uploads"}`),
		Attributes: map[string]string{"content_type": "application/json"},
	})

	assert.Equal(t, []byte("incoming/tiny.jpg"), km.Key)
	assert.Equal(t, []byte(`{"bucket":"uploads"}`), km.Value)
	assert.Equal(t, []kafkago.Header{{Key: "content_type", Value: []byte("application/json")}}, km.Headers)
	assert.False(t, km.Time.IsZero())

	assert.Nil(t, toKafkaMessage(queue.Message{Body: []byte("x")}).Key)
}

type fakeWriter struct {
	written []kafkago.Message
	err     error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeCommitter struct {
	committed []kafkago.Message
}

func (c *fakeCommitter) CommitMessages(ctx context.Context, msgs ...kafkago.Message) error {
	c.committed = append(c.committed, msgs...)
	return nil
}

func TestConsumer_TrackCountsFetches(t *testing.T) {
	c := newConsumer(ConsumerConfig{Topic: "uploads", MaxDeliver: 2}, nil)
	m := kafkago.Message{Partition: 0, Offset: 7}

	exhausted, first := c.track(m)
	assert.False(t, exhausted)
	assert.True(t, first)

	exhausted, first = c.track(m)
	assert.False(t, exhausted)
	assert.False(t, first)

	exhausted, _ = c.track(m)
	assert.True(t, exhausted)

	_, first = c.track(kafkago.Message{Partition: 1, Offset: 0})
	assert.True(t, first)
}

func TestConsumer_TrackUnlimited(t *testing.T) {
	c := newConsumer(ConsumerConfig{Topic: "uploads"}, nil)
	m := kafkago.Message{Offset: 1}

	for range 10 {
		exhausted, _ := c.track(m)
		require.False(t, exhausted)
	}
	assert.Empty(t, c.attempts)
}

func TestConsumer_BuryAtCommittedOffset(t *testing.T) {
	// Arrange
	w := &fakeWriter{}
	commit := &fakeCommitter{}
	c := newConsumer(ConsumerConfig{Topic: "uploads", MaxDeliver: 1}, w)
	m := kafkago.Message{Topic: "uploads", Partition: 3, Offset: 42, Key: []byte("k"), Value: []byte("v")}
	c.track(m)
	exhausted, first := c.track(m)
	require.True(t, exhausted)

	// Act
	err := c.bury(context.Background(), commit, m, first)

	// Assert
	require.NoError(t, err)
	require.Len(t, w.written, 1)
	assert.Empty(t, w.written[0].Topic)
	assert.Equal(t, []byte("v"), w.written[0].Value)
	assert.Contains(t, w.written[0].Headers, kafkago.Header{Key: "dead-letter-offset", Value: []byte("42")})
	assert.Equal(t, []kafkago.Message{m}, commit.committed)
	assert.Empty(t, c.attempts)
	assert.Empty(t, c.dead)
	assert.Equal(t, "uploads.dead", c.cfg.DeadLetterTopic)
}

func TestConsumer_BuryBehindOutstandingRecord(t *testing.T) {
	w := &fakeWriter{}
	commit := &fakeCommitter{}
	c := newConsumer(ConsumerConfig{Topic: "uploads", MaxDeliver: 1}, w)
	m := kafkago.Message{Partition: 0, Offset: 5}

	require.NoError(t, c.bury(context.Background(), commit, m, false))
	require.NoError(t, c.bury(context.Background(), commit, m, false))

	assert.Len(t, w.written, 1)
	assert.Empty(t, commit.committed)
	assert.True(t, c.dead[position{partition: 0, offset: 5}])
}

func TestConsumer_BuryWriteFailure(t *testing.T) {
	c := newConsumer(ConsumerConfig{Topic: "uploads", MaxDeliver: 1}, &fakeWriter{err: errors.New("leader not available")})
	commit := &fakeCommitter{}

	err := c.bury(context.Background(), commit, kafkago.Message{Offset: 1}, true)

	assert.ErrorContains(t, err, "write kafka dead letter: leader not available")
	assert.Empty(t, commit.committed)
}

func TestDelivery_AckForgetsAttempts(t *testing.T) {
	c := newConsumer(ConsumerConfig{Topic: "uploads", MaxDeliver: 3}, nil)
	commit := &fakeCommitter{}
	first := kafkago.Message{Partition: 0, Offset: 1}
	second := kafkago.Message{Partition: 0, Offset: 2}
	other := kafkago.Message{Partition: 1, Offset: 1}
	c.track(first)
	c.track(second)
	c.track(other)

	d := &delivery{consumer: c, reader: commit, msg: second}
	require.NoError(t, d.Ack(context.Background()))

	assert.Equal(t, map[position]int{{partition: 1, offset: 1}: 1}, c.attempts)
	assert.Equal(t, []kafkago.Message{second}, commit.committed)
}
