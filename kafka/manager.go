package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"tagflow/message"
	"tagflow/metrics"
	"tagflow/supervision"
	"tagflow/tag"
)

// publishJob represents a pending Kafka publish operation.
type publishJob struct {
	producer *Producer
	topic    string
	key      []byte
	payload  []byte
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 10

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// Manager manages producers and source consumers for multiple clusters.
type Manager struct {
	namespace string
	metrics   *metrics.Metrics

	producers map[string]*Producer
	consumers map[string]*Consumer
	handler   SourceHandler
	mu        sync.RWMutex

	// Worker pool for bounded publish goroutines
	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
}

// NewManager creates a new Kafka manager.
func NewManager(ns string, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		namespace:    ns,
		metrics:      m,
		producers:    make(map[string]*Producer),
		consumers:    make(map[string]*Consumer),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
	mgr.startWorkers()
	return mgr
}

// startWorkers starts the publish worker goroutines.
func (m *Manager) startWorkers() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	queue := m.publishQueue
	stop := m.stopChan
	m.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(queue, stop)
	}
}

// publishWorker processes publish jobs from the queue.
func (m *Manager) publishWorker(queue chan publishJob, stop chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := job.producer.Produce(ctx, job.topic, job.key, job.payload); err != nil {
				logKafka("Failed to publish to %s: %v", job.topic, err)
				m.metrics.Dropped("kafka")
			}
			cancel()
		}
	}
}

// SetSourceHandler sets the callback for consumed source values. It applies
// to consumers created afterwards.
func (m *Manager) SetSourceHandler(handler SourceHandler) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
}

// AddCluster adds a cluster. A source consumer is created when the cluster
// consumes sources.
func (m *Manager) AddCluster(cfg *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.producers[cfg.Name]; exists {
		return
	}
	m.producers[cfg.Name] = NewProducer(cfg, m.namespace)
	if cfg.ConsumeSources {
		m.consumers[cfg.Name] = NewConsumer(cfg, m.namespace, m.dispatchSource)
	}
}

// dispatchSource forwards to the current handler so SetSourceHandler may be
// called after clusters are added.
func (m *Manager) dispatchSource(v tag.SourceValue) error {
	m.mu.RLock()
	handler := m.handler
	m.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("no source handler configured")
	}
	return handler(v)
}

// RemoveCluster removes a cluster and disconnects it.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	producer, exists := m.producers[name]
	consumer := m.consumers[name]
	delete(m.producers, name)
	delete(m.consumers, name)
	m.mu.Unlock()

	if consumer != nil {
		consumer.Stop()
	}
	if exists {
		producer.Disconnect()
	}
}

// GetProducer returns the producer for the named cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// GetConsumer returns the source consumer for the named cluster, if any.
func (m *Manager) GetConsumer(name string) *Consumer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consumers[name]
}

// ListClusters returns all cluster names, sorted.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Connect connects to the named cluster and starts its source consumer.
func (m *Manager) Connect(name string) error {
	m.mu.RLock()
	producer, exists := m.producers[name]
	consumer := m.consumers[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}
	if err := producer.Connect(); err != nil {
		return err
	}
	if consumer != nil {
		return consumer.Start()
	}
	return nil
}

// Disconnect stops the named cluster's consumer and disconnects its producer.
func (m *Manager) Disconnect(name string) error {
	m.mu.RLock()
	producer, exists := m.producers[name]
	consumer := m.consumers[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}
	if consumer != nil {
		consumer.Stop()
	}
	producer.Disconnect()
	return nil
}

// ConnectEnabled connects to all enabled clusters.
func (m *Manager) ConnectEnabled() {
	for _, name := range m.ListClusters() {
		p := m.GetProducer(name)
		if p == nil || !p.config.Enabled {
			continue
		}
		go func(name string) {
			if err := m.Connect(name); err != nil {
				logKafka("Failed to connect %s: %v", name, err)
			}
		}(name)
	}
}

// StopAll stops workers and consumers and disconnects all clusters.
func (m *Manager) StopAll() {
	m.mu.Lock()
	wasStarted := m.started
	oldStopChan := m.stopChan
	if wasStarted {
		m.stopChan = make(chan struct{})
		m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
		m.started = false
	}
	producers := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(m.consumers))
	for _, c := range m.consumers {
		consumers = append(consumers, c)
	}
	m.mu.Unlock()

	if wasStarted {
		close(oldStopChan)

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			logKafka("Timeout waiting for publish workers to stop")
		}
	}

	for _, c := range consumers {
		c.Stop()
	}
	for _, p := range producers {
		p.Disconnect()
	}
}

// GetClusterStatus returns the status of a specific cluster.
func (m *Manager) GetClusterStatus(name string) (ConnectionStatus, error) {
	p := m.GetProducer(name)
	if p == nil {
		return StatusDisconnected, fmt.Errorf("cluster not found")
	}
	return p.GetStatus(), p.GetError()
}

// AnyPublishing returns true if any connected cluster publishes changes.
func (m *Manager) AnyPublishing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.producers {
		if p.GetStatus() == StatusConnected && p.config.PublishChanges {
			return true
		}
	}
	return false
}

// publishing returns the producers that should receive change messages.
func (m *Manager) publishing() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		if p.config.PublishChanges && p.GetStatus() == StatusConnected {
			out = append(out, p)
		}
	}
	return out
}

// PublishTag queues t for every publishing cluster. The tag id is the
// message key so updates of one tag stay on one partition.
func (m *Manager) PublishTag(t *tag.Tag) {
	producers := m.publishing()
	if len(producers) == 0 {
		return
	}

	payload, err := json.Marshal(message.NewTagMessage(m.namespace, t))
	if err != nil {
		logKafka("Marshal error for tag %d: %v", t.ID, err)
		return
	}
	key := []byte(strconv.FormatInt(t.ID, 10))
	for _, p := range producers {
		m.enqueue(publishJob{producer: p, topic: p.TagTopic(), key: key, payload: payload})
	}
}

// PublishTransition queues a supervision transition for every publishing
// cluster, keyed by {kind}:{id}.
func (m *Manager) PublishTransition(tr supervision.Transition) {
	producers := m.publishing()
	if len(producers) == 0 {
		return
	}

	payload, err := json.Marshal(message.NewSupervisionMessage(m.namespace, tr))
	if err != nil {
		logKafka("Marshal error for %s %d: %v", tr.Kind, tr.EntityID, err)
		return
	}
	key := []byte(tr.Kind + ":" + strconv.FormatInt(tr.EntityID, 10))
	for _, p := range producers {
		m.enqueue(publishJob{producer: p, topic: p.SupervisionTopic(), key: key, payload: payload})
	}
}

// enqueue queues a job without blocking, dropping it when the queue is full.
func (m *Manager) enqueue(job publishJob) {
	m.startWorkers()

	m.mu.RLock()
	queue := m.publishQueue
	m.mu.RUnlock()

	select {
	case queue <- job:
	default:
		logKafka("Publish queue full, dropping message for %s", job.topic)
		m.metrics.Dropped("kafka")
	}
}
