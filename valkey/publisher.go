// Package valkey mirrors tag state and supervision status into Valkey/Redis.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tagflow/config"
	"tagflow/logging"
	"tagflow/message"
	"tagflow/metrics"
	"tagflow/namespace"
	"tagflow/supervision"
	"tagflow/tag"
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

// MaxPublishQueueSize is the maximum number of pending writes per server.
const MaxPublishQueueSize = 1000

// commander is the subset of the go-redis client used by the publisher.
type commander interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// publishJob stores payload at key and optionally announces it on channel.
type publishJob struct {
	key     string
	channel string
	payload []byte
}

// Publisher handles publishing to a single Valkey server. Writes go through
// a single worker so updates to the same key are applied in order.
type Publisher struct {
	config    *config.ValkeyConfig
	namespace string
	builder   *namespace.Builder
	metrics   *metrics.Metrics

	client  commander
	running bool
	mu      sync.RWMutex

	onConnectCallback func()

	queue    chan publishJob
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig, ns string, m *metrics.Metrics) *Publisher {
	return &Publisher{
		config:    cfg,
		namespace: ns,
		builder:   namespace.New(ns, cfg.Selector),
		metrics:   m,
		queue:     make(chan publishJob, MaxPublishQueueSize),
		stopChan:  make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Create client and test connection WITHOUT holding the lock
	client := redis.NewClient(opts)

	debugLog("Attempting to connect to Valkey at %s (DB: %d, TLS: %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		debugLog("Valkey connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	debugLog("Successfully connected to Valkey at %s", p.config.Address)

	if !p.attach(client) {
		client.Close()
	}
	return nil
}

// attach installs a connected client, starts the writer and fires the
// on-connect callback. It returns false if already running.
func (p *Publisher) attach(client commander) bool {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return false
	}
	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})
	stop := p.stopChan
	queue := p.queue
	callback := p.onConnectCallback
	p.mu.Unlock()

	p.wg.Add(1)
	go p.writer(client, queue, stop)

	// Publish initial values
	if callback != nil {
		go callback()
	}
	return true
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}

	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.queue = make(chan publishJob, MaxPublishQueueSize)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		debugLog("Timeout waiting for Valkey writer to stop")
	}

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// SetOnConnectCallback sets the callback invoked after connection is established.
func (p *Publisher) SetOnConnectCallback(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectCallback = callback
}

// TagKey returns the key holding a tag's current state.
func (p *Publisher) TagKey(tagID int64) string {
	return p.builder.ValkeyTagKey(tagID)
}

// SupervisionKey returns the key holding an entity's last transition.
func (p *Publisher) SupervisionKey(kind string, entityID int64) string {
	return p.builder.ValkeySupervisionKey(kind, entityID)
}

// PublishTag queues the current state of t for storage. Returns false if it
// was not queued.
func (p *Publisher) PublishTag(t *tag.Tag) bool {
	data, err := json.Marshal(message.NewTagMessage(p.namespace, t))
	if err != nil {
		debugLog("failed to marshal tag %d: %v", t.ID, err)
		return false
	}
	job := publishJob{key: p.TagKey(t.ID), payload: data}
	if p.config.PublishChanges {
		job.channel = p.builder.ValkeyChangesChannel()
	}
	return p.enqueue(job)
}

// PublishTransition queues a supervision transition for storage.
func (p *Publisher) PublishTransition(tr supervision.Transition) bool {
	data, err := json.Marshal(message.NewSupervisionMessage(p.namespace, tr))
	if err != nil {
		debugLog("failed to marshal transition for %s %d: %v", tr.Kind, tr.EntityID, err)
		return false
	}
	job := publishJob{key: p.SupervisionKey(tr.Kind, tr.EntityID), payload: data}
	if p.config.PublishChanges {
		job.channel = p.builder.ValkeySupervisionChannel()
	}
	return p.enqueue(job)
}

func (p *Publisher) enqueue(job publishJob) bool {
	p.mu.RLock()
	running := p.running
	queue := p.queue
	p.mu.RUnlock()

	if !running {
		return false
	}

	select {
	case queue <- job:
		return true
	default:
		debugLog("Valkey queue full on %s, dropping write for %s", p.config.Name, job.key)
		p.metrics.Dropped("valkey")
		return false
	}
}

// writer applies queued jobs until stop is closed.
func (p *Publisher) writer(client commander, queue chan publishJob, stop chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			if err := p.write(client, job); err != nil {
				debugLog("Valkey publish error (%s): %v", p.config.Name, err)
				p.metrics.Dropped("valkey")
			}
		}
	}
}

func (p *Publisher) write(client commander, job publishJob) error {
	// Use a short timeout to prevent blocking
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, job.key, job.payload, p.config.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", job.key, err)
	}
	if job.channel != "" {
		if err := client.Publish(ctx, job.channel, job.payload).Err(); err != nil {
			return fmt.Errorf("failed to publish on %s: %w", job.channel, err)
		}
	}
	return nil
}
