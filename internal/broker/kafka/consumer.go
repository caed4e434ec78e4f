package kafka

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer delivers messages at least once: in a group an offset is
// committed only after the handler returned nil for it. Without a group
// nothing is committed.
type Consumer struct {
	r       messageReader
	topic   string
	grouped bool
}

// NewConsumer joins groupID when it is set. An empty group reads the topic
// directly from its current end, so only messages produced after the call
// are seen; a driver session takes everything older from its initial load.
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
		MaxWait:           500 * time.Millisecond,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
		cfg.StartOffset = kafka.LastOffset
	}
	return &Consumer{r: kafka.NewReader(cfg), topic: topic, grouped: groupID != ""}
}

func newConsumerWithReader(r messageReader, grouped bool) *Consumer {
	return &Consumer{r: r, grouped: grouped}
}

func (c *Consumer) Topic() string { return c.topic }

func (c *Consumer) Close() error {
	return c.r.Close()
}

func (c *Consumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			return errors.Wrap(err, "fetch message")
		}
		if err := handler(msg.Key, msg.Value); err != nil {
			return err
		}
		if !c.grouped {
			continue
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(err, "commit message")
		}
	}
}
