package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"tagflow/namespace"
	"tagflow/tag"
)

// SourceMessage is the JSON structure of an incoming source value.
type SourceMessage struct {
	TagID            int64             `json:"tag_id"`
	Value            interface{}       `json:"value"`
	ValueDescription string            `json:"value_description,omitempty"`
	Quality          map[string]string `json:"quality,omitempty"` // Status name -> description
	Timestamp        time.Time         `json:"timestamp"`
	DAQTimestamp     time.Time         `json:"daq_timestamp,omitempty"`
}

// SourceHandler receives decoded source values.
type SourceHandler func(v tag.SourceValue) error

// messageReader is the subset of *kafka.Reader used by the consumer.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DecodeSource parses a source message.
func DecodeSource(data []byte) (tag.SourceValue, error) {
	var msg SourceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return tag.SourceValue{}, fmt.Errorf("invalid source message: %w", err)
	}
	if msg.TagID <= 0 {
		return tag.SourceValue{}, fmt.Errorf("invalid source message: missing tag_id")
	}

	quality := tag.Quality{}
	for name, desc := range msg.Quality {
		status, err := tag.ParseQualityStatus(name)
		if err != nil {
			return tag.SourceValue{}, fmt.Errorf("invalid source message for tag %d: %w", msg.TagID, err)
		}
		quality[status] = desc
	}

	return tag.SourceValue{
		TagID:            msg.TagID,
		Value:            msg.Value,
		ValueDescription: msg.ValueDescription,
		Quality:          quality,
		Timestamp:        msg.Timestamp,
		DAQTimestamp:     msg.DAQTimestamp,
	}, nil
}

// Consumer reads source values from {topic}.sources and hands them to the
// admission path. Offsets are committed after each message whether or not
// the handler accepted it.
type Consumer struct {
	config    *Config
	builder   *namespace.Builder
	handler   SourceHandler
	newReader func(topic string) messageReader

	reader  messageReader
	running bool
	cancel  context.CancelFunc
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewConsumer creates a consumer for one cluster.
func NewConsumer(cfg *Config, ns string, handler SourceHandler) *Consumer {
	c := &Consumer{
		config:  cfg,
		builder: namespace.New(ns, cfg.Selector),
		handler: handler,
	}
	c.newReader = c.createReader
	return c
}

// Topic returns the topic the consumer reads.
func (c *Consumer) Topic() string {
	return c.builder.KafkaSourceTopic()
}

func (c *Consumer) createReader(topic string) messageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.config.Brokers,
		Topic:          topic,
		GroupID:        c.config.GetConsumerGroup(),
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        100 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
		Dialer:         c.config.Dialer(),
	})
}

// Start begins consuming.
func (c *Consumer) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}

	topic := c.Topic()
	logKafka("Starting source consumer for topic '%s' with group '%s'", topic, c.config.GetConsumerGroup())

	reader := c.newReader(topic)
	ctx, cancel := context.WithCancel(context.Background())
	c.reader = reader
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consumeLoop(ctx, reader)
	return nil
}

// Stop stops the consumer and closes the reader.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	reader := c.reader
	c.reader = nil
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logKafka("Source consumer stop timeout")
	}

	if reader != nil {
		reader.Close()
	}
}

// IsRunning returns whether the consumer is running.
func (c *Consumer) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Consumer) consumeLoop(ctx context.Context, reader messageReader) {
	defer c.wg.Done()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			logKafka("Source fetch error on %s: %v", c.config.Name, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		c.handle(msg)

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logKafka("Source commit error on %s: %v", c.config.Name, err)
		}
	}
}

func (c *Consumer) handle(msg kafka.Message) {
	v, err := DecodeSource(msg.Value)
	if err != nil {
		logKafka("Skipping message at offset %d: %v", msg.Offset, err)
		return
	}
	if c.handler == nil {
		return
	}
	if err := c.handler(v); err != nil {
		logKafka("Source value for tag %d rejected: %v", v.TagID, err)
	}
}
