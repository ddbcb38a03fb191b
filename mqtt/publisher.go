// Package mqtt publishes tag updates and supervision transitions to MQTT brokers.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"tagflow/config"
	"tagflow/logging"
	"tagflow/message"
	"tagflow/metrics"
	"tagflow/namespace"
	"tagflow/supervision"
	"tagflow/tag"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// MaxPublishWorkers is the number of publish goroutines per broker.
const MaxPublishWorkers = 5

// MaxPublishQueueSize is the maximum number of pending messages per broker.
const MaxPublishQueueSize = 1000

// publishJob is a serialized message waiting for a worker.
type publishJob struct {
	topic    string
	payload  []byte
	retained bool
}

// Publisher handles the connection to a single broker.
type Publisher struct {
	config    *config.MQTTConfig
	namespace string
	builder   *namespace.Builder
	metrics   *metrics.Metrics

	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
}

// NewPublisher creates a publisher for one broker. Topics are rooted at ns
// plus the broker's optional selector.
func NewPublisher(cfg *config.MQTTConfig, ns string, m *metrics.Metrics) *Publisher {
	return &Publisher{
		config:       cfg,
		namespace:    ns,
		builder:      namespace.New(ns, cfg.Selector),
		metrics:      m,
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Start connects to the MQTT broker.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Build options WITHOUT holding the lock
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	logMQTT("Attempting to connect to MQTT broker %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logMQTT("MQTT connection timeout")
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logMQTT("MQTT connection error: %v", token.Error())
		return token.Error()
	}

	logMQTT("Successfully connected to MQTT broker %s", p.Address())

	if !p.attach(client) {
		client.Disconnect(100)
	}
	return nil
}

// attach installs a connected client and starts the workers. It returns
// false if another client was attached first.
func (p *Publisher) attach(client pahomqtt.Client) bool {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return false
	}
	p.client = client
	p.running = true
	stop := p.stopChan
	queue := p.publishQueue
	p.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		p.wg.Add(1)
		go p.publishWorker(client, queue, stop)
	}
	return true
}

// publishWorker sends queued messages until stop is closed.
func (p *Publisher) publishWorker(client pahomqtt.Client, queue chan publishJob, stop chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			token := client.Publish(job.topic, 1, job.retained, job.payload)
			if !token.WaitTimeout(2 * time.Second) {
				logMQTT("Publish timeout on %s", job.topic)
				p.metrics.Dropped("mqtt")
				continue
			}
			if err := token.Error(); err != nil {
				logMQTT("Publish error on %s: %v", job.topic, err)
				p.metrics.Dropped("mqtt")
			}
		}
	}
}

// Stop disconnects from the MQTT broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}

	p.running = false
	client := p.client
	p.client = nil

	// Save old channels and create new ones while holding lock
	oldStopChan := p.stopChan
	p.stopChan = make(chan struct{})
	p.publishQueue = make(chan publishJob, MaxPublishQueueSize)
	p.mu.Unlock()

	close(oldStopChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("Timeout waiting for publish workers to stop")
	}

	// Disconnect OUTSIDE the lock to prevent blocking
	client.Disconnect(500)
}

// TagTopic returns the topic a tag is published on.
func (p *Publisher) TagTopic(tagID int64) string {
	return p.builder.MQTTTagTopic(tagID)
}

// SupervisionTopic returns the topic an entity's transitions are published on.
func (p *Publisher) SupervisionTopic(kind string, entityID int64) string {
	return p.builder.MQTTSupervisionTopic(kind, entityID)
}

// PublishTag queues the current state of t. The message is retained so new
// subscribers see the latest value. Returns false if the message was not queued.
func (p *Publisher) PublishTag(t *tag.Tag) bool {
	payload, err := json.Marshal(message.NewTagMessage(p.namespace, t))
	if err != nil {
		logMQTT("Marshal error for tag %d: %v", t.ID, err)
		return false
	}
	return p.enqueue(publishJob{topic: p.TagTopic(t.ID), payload: payload, retained: true})
}

// PublishTransition queues a supervision transition.
func (p *Publisher) PublishTransition(tr supervision.Transition) bool {
	payload, err := json.Marshal(message.NewSupervisionMessage(p.namespace, tr))
	if err != nil {
		logMQTT("Marshal error for %s %d: %v", tr.Kind, tr.EntityID, err)
		return false
	}
	return p.enqueue(publishJob{topic: p.SupervisionTopic(tr.Kind, tr.EntityID), payload: payload, retained: true})
}

// enqueue hands a job to the workers without blocking. Messages are dropped
// when the queue is full.
func (p *Publisher) enqueue(job publishJob) bool {
	p.mu.RLock()
	running := p.running
	queue := p.publishQueue
	p.mu.RUnlock()

	if !running {
		return false
	}

	select {
	case queue <- job:
		return true
	default:
		logMQTT("Publish queue full on %s, dropping message for %s", p.config.Name, job.topic)
		p.metrics.Dropped("mqtt")
		return false
	}
}

// Address returns the broker address string.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers map[string]*Publisher
	mu         sync.RWMutex
}

// NewManager creates a new MQTT manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make(map[string]*Publisher),
	}
}

// Add adds a publisher to the manager.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	m.publishers[pub.Name()] = pub
	m.mu.Unlock()
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	if exists {
		delete(m.publishers, name)
	}
	m.mu.Unlock()

	if exists {
		pub.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers sorted by name.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// StartAll starts all publishers that are configured as enabled.
// Returns the number of publishers successfully started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled && !pub.IsRunning() {
			logMQTT("Auto-starting MQTT publisher: %s", pub.Name())
			if err := pub.Start(); err != nil {
				logMQTT("Failed to auto-start %s: %v", pub.Name(), err)
			} else {
				logMQTT("Successfully started %s (%s)", pub.Name(), pub.Address())
				started++
			}
		}
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// PublishTag publishes a tag to all running publishers.
func (m *Manager) PublishTag(t *tag.Tag) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishTag(t)
		}
	}
}

// PublishTransition publishes a supervision transition to all running publishers.
func (m *Manager) PublishTransition(tr supervision.Transition) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishTransition(tr)
		}
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, ns string, met *metrics.Metrics) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], ns, met))
	}
}
