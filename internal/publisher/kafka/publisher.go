// Package kafka implements a Kafka notification publisher.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Config configures the Kafka writer.
type Config struct {
	Brokers []string
	// Topic is used when Publish is called with an empty topic.
	Topic string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// keyed is implemented by payloads that choose their partition key.
type keyed interface {
	PartitionKey() string
}

// Publisher writes JSON payloads to Kafka topics.
type Publisher struct {
	writer messageWriter
	topic  string
	now    func() time.Time
}

// New creates a publisher for the given brokers. The writer has no fixed
// topic so each message names its own.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka.brokers is required")
	}
	return NewWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: false,
	}, cfg.Topic), nil
}

// NewWithWriter builds a publisher using a custom writer (tests).
func NewWithWriter(writer messageWriter, topic string) *Publisher {
	return &Publisher{writer: writer, topic: topic, now: func() time.Time { return time.Now().UTC() }}
}

// Publish marshals payload to JSON and writes it to topic. The returned id is
// topic/key/timestamp since Kafka assigns offsets asynchronously.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if strings.TrimSpace(topic) == "" {
		topic = p.topic
	}
	if topic == "" {
		return "", fmt.Errorf("kafka topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	var key string
	if k, ok := payload.(keyed); ok {
		key = k.PartitionKey()
	}
	ts := p.now()
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
		Time:  ts,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write kafka message: %w", err)
	}
	return fmt.Sprintf("%s/%s/%d", topic, key, ts.UnixNano()), nil
}

// Close shuts down the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
