package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"tagflow/logging"
	"tagflow/namespace"
)

func logKafka(format string, args ...interface{}) {
	logging.DebugLog("kafka", format, args...)
}

// ConnectionStatus represents the state of a Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// messageWriter is the subset of *kafka.Writer used by the producer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes messages to one cluster, keeping one writer per topic.
type Producer struct {
	config    *Config
	builder   *namespace.Builder
	writers   map[string]messageWriter
	newWriter func(topic string) messageWriter
	status    ConnectionStatus
	lastErr   error
	mu        sync.RWMutex

	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a producer for one cluster. Topics are derived from ns
// and the cluster's selector.
func NewProducer(cfg *Config, ns string) *Producer {
	p := &Producer{
		config:  cfg,
		builder: namespace.New(ns, cfg.Selector),
		writers: make(map[string]messageWriter),
		status:  StatusDisconnected,
	}
	p.newWriter = p.createWriter
	return p
}

// Name returns the cluster name.
func (p *Producer) Name() string {
	return p.config.Name
}

// Config returns the cluster configuration.
func (p *Producer) Config() *Config {
	return p.config
}

// TagTopic returns the topic tag updates are produced to.
func (p *Producer) TagTopic() string {
	return p.builder.KafkaTagTopic()
}

// SupervisionTopic returns the topic supervision transitions are produced to.
func (p *Producer) SupervisionTopic() string {
	return p.builder.KafkaSupervisionTopic()
}

// GetStatus returns the current connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Producer) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, errors int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Connect checks that the first broker is reachable.
func (p *Producer) Connect() error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	name := p.config.Name
	brokers := p.config.Brokers
	p.mu.Unlock()

	if len(brokers) == 0 {
		p.setError(fmt.Errorf("no brokers configured"))
		return p.GetError()
	}

	logKafka("CONNECT %s: connecting to brokers %v", name, brokers)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := p.config.Dialer().DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		p.setError(fmt.Errorf("failed to connect: %w", err))
		logKafka("CONNECT %s: FAILED - %v", name, err)
		return p.GetError()
	}
	conn.Close()

	p.mu.Lock()
	p.status = StatusConnected
	p.mu.Unlock()

	logKafka("CONNECT %s: connected successfully", name)
	return nil
}

func (p *Producer) setError(err error) {
	p.mu.Lock()
	p.status = StatusError
	p.lastErr = err
	p.mu.Unlock()
}

// Disconnect closes all writers.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	logKafka("DISCONNECT %s: closing %d topic writers", p.config.Name, len(p.writers))
	for topic, writer := range p.writers {
		writer.Close()
		delete(p.writers, topic)
	}

	p.status = StatusDisconnected
	p.lastErr = nil
}

// Produce sends a message and blocks until it is acknowledged.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	start := time.Now()

	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	err = writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		p.mu.Lock()
		p.messagesError++
		p.lastErr = err
		p.mu.Unlock()
		if strings.Contains(err.Error(), "Unknown Topic") {
			logKafka("TOPIC %s: topic '%s' not found on broker", p.config.Name, topic)
		}
		logKafka("PRODUCE %s: FAILED topic '%s' after %v: %v", p.config.Name, topic, time.Since(start), err)
		return fmt.Errorf("kafka produce failed: %w", err)
	}

	if d := time.Since(start); d > 100*time.Millisecond {
		logKafka("PRODUCE %s: topic '%s' completed in %v", p.config.Name, topic, d)
	}

	p.mu.Lock()
	p.messagesSent++
	p.lastSendTime = time.Now()
	p.lastErr = nil
	p.mu.Unlock()

	return nil
}

// getWriter returns or creates the writer for topic.
func (p *Producer) getWriter(topic string) (messageWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("kafka cluster '%s' not connected", p.config.Name)
	}

	if writer, exists := p.writers[topic]; exists {
		return writer, nil
	}

	writer := p.newWriter(topic)
	p.writers[topic] = writer
	logKafka("TOPIC %s: created writer for topic '%s' (auto-create=%v)",
		p.config.Name, topic, p.config.AutoCreateTopics)
	return writer, nil
}

func (p *Producer) createWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:      kafka.TCP(p.config.Brokers...),
		Topic:     topic,
		Balancer:  &kafka.Hash{},
		Transport: p.config.Transport(),

		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		Async:        false,
		MaxAttempts:  p.config.MaxRetries,

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: p.config.AutoCreateTopics,
	}
}
