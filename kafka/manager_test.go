package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"tagflow/config"
	"tagflow/message"
	"tagflow/supervision"
	"tagflow/tag"
)

// fakeWriter records produced messages.
type fakeWriter struct {
	mu     sync.Mutex
	topic  string
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) waitFor(t *testing.T, n int) []kafka.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		if len(w.msgs) >= n {
			out := append([]kafka.Message(nil), w.msgs...)
			w.mu.Unlock()
			return out
		}
		w.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d messages on %s", n, w.topic)
	return nil
}

// fakeWriters holds the writers a producer created, keyed by topic.
type fakeWriters struct {
	mu      sync.Mutex
	byTopic map[string]*fakeWriter
}

func (f *fakeWriters) get(topic string) *fakeWriter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byTopic[topic]
}

func (f *fakeWriters) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byTopic)
}

// await waits for the producer to create the writer for topic.
func (f *fakeWriters) await(t *testing.T, topic string) *fakeWriter {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w := f.get(topic); w != nil {
			return w
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no writer created for %s", topic)
	return nil
}

// connectFake marks p connected and routes its writers to fakes.
func connectFake(p *Producer) *fakeWriters {
	writers := &fakeWriters{byTopic: make(map[string]*fakeWriter)}
	p.newWriter = func(topic string) messageWriter {
		w := &fakeWriter{topic: topic}
		writers.mu.Lock()
		writers.byTopic[topic] = w
		writers.mu.Unlock()
		return w
	}
	p.mu.Lock()
	p.status = StatusConnected
	p.mu.Unlock()
	return writers
}

// fakeReader serves queued messages, then blocks until the context ends.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			msg := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()
			return msg, nil
		}
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func TestFromConfig(t *testing.T) {
	off := false
	kc := &config.KafkaConfig{
		Name:             "main",
		Brokers:          []string{"localhost:9092"},
		SASLMechanism:    "SCRAM-SHA-256",
		RequiredAcks:     -1,
		AutoCreateTopics: &off,
		PublishChanges:   true,
		Selector:         "line1",
	}
	cfg := FromConfig(kc)
	if cfg.AutoCreateTopics {
		t.Error("expected auto-create disabled")
	}
	if cfg.SASLMechanism != SASLSCRAMSHA256 {
		t.Errorf("unexpected mechanism %q", cfg.SASLMechanism)
	}
	if cfg.GetConsumerGroup() != "tagflow-main" {
		t.Errorf("unexpected default group %q", cfg.GetConsumerGroup())
	}

	kc.AutoCreateTopics = nil
	kc.ConsumerGroup = "ingest"
	cfg = FromConfig(kc)
	if !cfg.AutoCreateTopics {
		t.Error("auto-create should default to true")
	}
	if cfg.GetConsumerGroup() != "ingest" {
		t.Errorf("unexpected group %q", cfg.GetConsumerGroup())
	}
}

func TestConfig_SASL(t *testing.T) {
	cfg := &Config{SASLMechanism: SASLPlain}
	if cfg.SASL() != nil {
		t.Error("no credentials should mean no SASL")
	}
	cfg.Username, cfg.Password = "u", "p"
	if cfg.SASL() == nil {
		t.Error("expected PLAIN mechanism")
	}
	cfg.SASLMechanism = SASLSCRAMSHA512
	if cfg.SASL() == nil {
		t.Error("expected SCRAM mechanism")
	}
	if cfg.GetTLSConfig() != nil {
		t.Error("TLS should be off by default")
	}
}

func TestProducer_Topics(t *testing.T) {
	p := NewProducer(&Config{Name: "main"}, "plant")
	if p.TagTopic() != "plant" || p.SupervisionTopic() != "plant.supervision" {
		t.Errorf("unexpected topics %q %q", p.TagTopic(), p.SupervisionTopic())
	}
	sel := NewProducer(&Config{Name: "main", Selector: "line1"}, "plant")
	if sel.TagTopic() != "plant-line1" {
		t.Errorf("unexpected topic %q", sel.TagTopic())
	}
}

func TestProducer_ConnectWithoutBrokers(t *testing.T) {
	p := NewProducer(&Config{Name: "main"}, "plant")
	if err := p.Connect(); err == nil {
		t.Fatal("expected error without brokers")
	}
	if p.GetStatus() != StatusError {
		t.Errorf("expected error status, got %v", p.GetStatus())
	}
}

func TestProducer_ProduceRequiresConnection(t *testing.T) {
	p := NewProducer(&Config{Name: "main"}, "plant")
	if err := p.Produce(context.Background(), "plant", nil, []byte("x")); err == nil {
		t.Error("expected error when not connected")
	}
}

func TestProducer_Produce(t *testing.T) {
	p := NewProducer(&Config{Name: "main"}, "plant")
	writers := connectFake(p)

	if err := p.Produce(context.Background(), "plant", []byte("1"), []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := p.Produce(context.Background(), "plant", []byte("2"), []byte("b")); err != nil {
		t.Fatal(err)
	}
	if writers.count() != 1 {
		t.Errorf("expected one writer per topic, got %d", writers.count())
	}
	sent, failed, _ := p.GetStats()
	if sent != 2 || failed != 0 {
		t.Errorf("unexpected stats sent=%d failed=%d", sent, failed)
	}

	w := writers.get("plant")
	w.mu.Lock()
	w.err = errors.New("broker gone")
	w.mu.Unlock()
	if err := p.Produce(context.Background(), "plant", nil, []byte("c")); err == nil {
		t.Error("expected produce error")
	}
	if _, failed, _ = p.GetStats(); failed != 1 {
		t.Errorf("expected 1 failure, got %d", failed)
	}

	p.Disconnect()
	if !w.closed {
		t.Error("expected writer closed on disconnect")
	}
	if p.GetStatus() != StatusDisconnected {
		t.Errorf("unexpected status %v", p.GetStatus())
	}
}

func TestManager_PublishTag(t *testing.T) {
	m := NewManager("plant", nil)
	defer m.StopAll()

	m.AddCluster(&Config{Name: "main", PublishChanges: true})
	m.AddCluster(&Config{Name: "quiet"})
	writers := connectFake(m.GetProducer("main"))
	quiet := connectFake(m.GetProducer("quiet"))

	if !m.AnyPublishing() {
		t.Fatal("expected a publishing cluster")
	}

	tg := tag.New(42, "boiler.temp", tag.KindData, tag.Float64)
	tg.Value = 3.5
	tg.Quality = tag.Quality{}
	m.PublishTag(tg)

	msgs := writers.await(t, "plant").waitFor(t, 1)
	if string(msgs[0].Key) != "42" {
		t.Errorf("expected key 42, got %q", msgs[0].Key)
	}
	var decoded message.TagMessage
	if err := json.Unmarshal(msgs[0].Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.TagID != 42 || decoded.Value != 3.5 || decoded.Namespace != "plant" {
		t.Errorf("unexpected payload %+v", decoded)
	}
	if quiet.count() != 0 {
		t.Error("cluster without publish_changes should receive nothing")
	}
}

func TestManager_PublishTransition(t *testing.T) {
	m := NewManager("plant", nil)
	defer m.StopAll()

	m.AddCluster(&Config{Name: "main", PublishChanges: true})
	writers := connectFake(m.GetProducer("main"))

	m.PublishTransition(supervision.Transition{
		Kind:     "equipment",
		EntityID: 7,
		From:     supervision.StatusRunning,
		To:       supervision.StatusDown,
	})

	msgs := writers.await(t, "plant.supervision").waitFor(t, 1)
	if string(msgs[0].Key) != "equipment:7" {
		t.Errorf("unexpected key %q", msgs[0].Key)
	}
}

func TestManager_Clusters(t *testing.T) {
	m := NewManager("plant", nil)
	defer m.StopAll()

	m.AddCluster(&Config{Name: "b"})
	m.AddCluster(&Config{Name: "a", ConsumeSources: true})
	m.AddCluster(&Config{Name: "a"})

	names := m.ListClusters()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("unexpected clusters %v", names)
	}
	if m.GetConsumer("a") == nil || m.GetConsumer("b") != nil {
		t.Error("only clusters consuming sources get a consumer")
	}
	if err := m.Connect("missing"); err == nil {
		t.Error("expected error for unknown cluster")
	}
	if _, err := m.GetClusterStatus("missing"); err == nil {
		t.Error("expected error for unknown cluster status")
	}
	if err := m.Disconnect("missing"); err == nil {
		t.Error("expected error disconnecting unknown cluster")
	}
	if err := m.Disconnect("b"); err != nil {
		t.Errorf("disconnecting an idle cluster: %v", err)
	}

	m.RemoveCluster("a")
	if m.GetProducer("a") != nil || m.GetConsumer("a") != nil {
		t.Error("cluster not removed")
	}
}

func TestDecodeSource(t *testing.T) {
	v, err := DecodeSource([]byte(`{"tag_id":5,"value":12,"quality":{"inaccessible":"link lost"},"timestamp":"2024-01-02T03:04:05Z"}`))
	if err != nil {
		t.Fatal(err)
	}
	if v.TagID != 5 || v.Value != float64(12) {
		t.Errorf("unexpected value %+v", v)
	}
	if !v.Quality.Has(tag.Inaccessible) || v.IsValid() {
		t.Errorf("expected INACCESSIBLE quality, got %v", v.Quality)
	}
	if v.Timestamp.Year() != 2024 {
		t.Errorf("unexpected timestamp %v", v.Timestamp)
	}

	for _, bad := range []string{
		`not json`,
		`{"value":1}`,
		`{"tag_id":1,"quality":{"BOGUS":"x"}}`,
	} {
		if _, err := DecodeSource([]byte(bad)); err == nil {
			t.Errorf("expected error for %s", bad)
		}
	}
}

func TestConsumer_DeliversAndCommits(t *testing.T) {
	var mu sync.Mutex
	var got []tag.SourceValue
	handler := func(v tag.SourceValue) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		if v.TagID == 2 {
			return errors.New("rejected")
		}
		return nil
	}

	c := NewConsumer(&Config{Name: "main"}, "plant", handler)
	if c.Topic() != "plant.sources" {
		t.Errorf("unexpected topic %q", c.Topic())
	}

	reader := &fakeReader{queue: []kafka.Message{
		{Offset: 1, Value: []byte(`{"tag_id":1,"value":true}`)},
		{Offset: 2, Value: []byte(`garbage`)},
		{Offset: 3, Value: []byte(`{"tag_id":2,"value":false}`)},
	}}
	c.newReader = func(topic string) messageReader { return reader }

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if !c.IsRunning() {
		t.Error("expected consumer running")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		reader.mu.Lock()
		n := len(reader.committed)
		reader.mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()

	reader.mu.Lock()
	defer reader.mu.Unlock()
	if len(reader.committed) != 3 {
		t.Errorf("expected every message committed, got %v", reader.committed)
	}
	if !reader.closed {
		t.Error("expected reader closed on stop")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Errorf("expected 2 decoded values, got %d", len(got))
	}
}

func TestManager_SourceHandlerLateBinding(t *testing.T) {
	m := NewManager("plant", nil)
	defer m.StopAll()

	if err := m.dispatchSource(tag.SourceValue{TagID: 1}); err == nil {
		t.Error("expected error without a handler")
	}

	called := make(chan int64, 1)
	m.SetSourceHandler(func(v tag.SourceValue) error {
		called <- v.TagID
		return nil
	})
	if err := m.dispatchSource(tag.SourceValue{TagID: 9}); err != nil {
		t.Fatal(err)
	}
	if id := <-called; id != 9 {
		t.Errorf("unexpected tag %d", id)
	}
}
