// Package brokertest stress tests the configured MQTT, Valkey and Kafka
// publishers with synthetic tag updates.
package brokertest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tagflow/config"
	"tagflow/kafka"
	"tagflow/message"
	"tagflow/mqtt"
	"tagflow/tag"
	"tagflow/valkey"
)

// stressNamespace isolates stress traffic from the instance's own topics and keys.
const stressNamespace = "tagflow-test-stress"

// TestConfig holds configuration for the broker stress test.
type TestConfig struct {
	// Duration is how long to run each test
	Duration time.Duration
	// NumTags is the number of simulated data tags
	NumTags int
	// Workers is the number of concurrent Kafka producers
	Workers int
}

// DefaultTestConfig returns sensible defaults for stress testing.
func DefaultTestConfig() TestConfig {
	return TestConfig{
		Duration: 10 * time.Second,
		NumTags:  1000,
		Workers:  4,
	}
}

// TestResult holds the results from a broker stress test.
type TestResult struct {
	BrokerType    string
	BrokerName    string
	Address       string
	Duration      time.Duration
	MessagesSent  int64
	MessagesAcked int64
	Errors        int64
	Throughput    float64 // messages per second
	AvgLatency    time.Duration
	P50Latency    time.Duration
	P95Latency    time.Duration
	P99Latency    time.Duration
	MaxLatency    time.Duration
	Success       bool
	Error         error
}

// Runner executes broker stress tests.
type Runner struct {
	cfg     *config.Config
	testCfg TestConfig
	out     io.Writer
	results []TestResult
}

// NewRunner creates a new stress test runner writing its report to out.
func NewRunner(cfg *config.Config, testCfg TestConfig, out io.Writer) *Runner {
	if testCfg.NumTags <= 0 {
		testCfg.NumTags = DefaultTestConfig().NumTags
	}
	if testCfg.Workers <= 0 {
		testCfg.Workers = DefaultTestConfig().Workers
	}
	return &Runner{
		cfg:     cfg,
		testCfg: testCfg,
		out:     out,
	}
}

// Run executes stress tests for all enabled publishers.
func (r *Runner) Run() []TestResult {
	r.printHeader()

	for i := range r.cfg.Kafka {
		if r.cfg.Kafka[i].Enabled {
			r.results = append(r.results, r.testKafka(kafka.FromConfig(&r.cfg.Kafka[i])))
		}
	}
	for i := range r.cfg.MQTT {
		if r.cfg.MQTT[i].Enabled {
			r.results = append(r.results, r.testMQTT(&r.cfg.MQTT[i]))
		}
	}
	for i := range r.cfg.Valkey {
		if r.cfg.Valkey[i].Enabled {
			r.results = append(r.results, r.testValkey(&r.cfg.Valkey[i]))
		}
	}

	r.printReport()
	return r.results
}

// syntheticTag builds a valid data tag carrying value.
func syntheticTag(id int64, value int64, now time.Time) *tag.Tag {
	t := tag.New(id, "StressTag"+strconv.FormatInt(id, 10), tag.KindData, tag.Int64)
	t.Value = value
	t.Quality = tag.Quality{}
	t.SourceTimestamp = now
	t.ServerTimestamp = now
	return t
}

func (r *Runner) randomTag() *tag.Tag {
	return syntheticTag(int64(rand.Intn(r.testCfg.NumTags))+1, rand.Int63n(10000), time.Now())
}

func (r *Runner) printHeader() {
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "  PUBLISHER STRESS TEST")
	fmt.Fprintln(r.out)
	fmt.Fprintf(r.out, "    Duration:       %v\n", r.testCfg.Duration)
	fmt.Fprintf(r.out, "    Simulated tags: %d\n", r.testCfg.NumTags)
	fmt.Fprintf(r.out, "    Namespace:      %s\n", stressNamespace)
	fmt.Fprintln(r.out)
}

func (r *Runner) printSection(kind, name, label, addr string) {
	fmt.Fprintf(r.out, "---------------------------------------------------------------------\n")
	fmt.Fprintf(r.out, "  Testing: %s/%s\n", kind, name)
	fmt.Fprintf(r.out, "  %-8s %s\n", label+":", addr)
	fmt.Fprintf(r.out, "---------------------------------------------------------------------\n")
}

func (r *Runner) printOutcome(result TestResult) {
	if result.Success {
		fmt.Fprintf(r.out, "DONE\n\n")
	} else {
		fmt.Fprintf(r.out, "FAILED\n\n")
	}
}

// testKafka produces tag messages directly to measure acknowledged latency.
func (r *Runner) testKafka(cfg *kafka.Config) TestResult {
	result := TestResult{
		BrokerType: "Kafka",
		BrokerName: cfg.Name,
		Address:    strings.Join(cfg.Brokers, ","),
	}
	r.printSection("Kafka", cfg.Name, "Brokers", result.Address)

	testCfg := *cfg
	testCfg.AutoCreateTopics = true
	producer := kafka.NewProducer(&testCfg, stressNamespace)
	if err := producer.Connect(); err != nil {
		result.Error = fmt.Errorf("connect failed: %w", err)
		fmt.Fprintf(r.out, "  Status: FAILED - %v\n\n", result.Error)
		return result
	}
	defer producer.Disconnect()

	fmt.Fprintf(r.out, "  Topic:   %s\n  Running... ", producer.TagTopic())
	result = r.runKafkaStress(producer, result)
	r.printOutcome(result)
	return result
}

// runKafkaStress runs concurrent producers until the test duration elapses.
func (r *Runner) runKafkaStress(producer *kafka.Producer, result TestResult) TestResult {
	var sent, errors int64
	latencies := make([]time.Duration, 0, 100000)
	var latencyMu sync.Mutex

	stopChan := make(chan struct{})
	time.AfterFunc(r.testCfg.Duration, func() { close(stopChan) })

	startTime := time.Now()
	topic := producer.TagTopic()

	var wg sync.WaitGroup
	for w := 0; w < r.testCfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]time.Duration, 0, 10000)
			defer func() {
				latencyMu.Lock()
				latencies = append(latencies, local...)
				latencyMu.Unlock()
			}()

			for {
				select {
				case <-stopChan:
					return
				default:
				}

				t := r.randomTag()
				payload, err := json.Marshal(message.NewTagMessage(stressNamespace, t))
				if err != nil {
					atomic.AddInt64(&errors, 1)
					continue
				}
				key := []byte(strconv.FormatInt(t.ID, 10))

				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				msgStart := time.Now()
				err = producer.Produce(ctx, topic, key, payload)
				latency := time.Since(msgStart)
				cancel()

				if err != nil {
					atomic.AddInt64(&errors, 1)
				} else {
					atomic.AddInt64(&sent, 1)
					local = append(local, latency)
				}
			}
		}()
	}
	wg.Wait()

	result.Duration = time.Since(startTime)
	result.MessagesSent = sent
	result.MessagesAcked = sent
	result.Errors = errors
	result.Throughput = float64(sent) / result.Duration.Seconds()

	// Less than 1% errors passes
	if total := sent + errors; total > 0 {
		result.Success = sent > 0 && float64(errors)/float64(total) < 0.01
	}
	result.AvgLatency, result.P50Latency, result.P95Latency, result.P99Latency, result.MaxLatency = calculateLatencyStats(latencies)
	return result
}

// testMQTT queues tag messages through a publisher on the stress namespace.
func (r *Runner) testMQTT(cfg *config.MQTTConfig) TestResult {
	result := TestResult{
		BrokerType: "MQTT",
		BrokerName: cfg.Name,
		Address:    fmt.Sprintf("%s:%d", cfg.Broker, cfg.Port),
	}
	r.printSection("MQTT", cfg.Name, "Broker", result.Address)

	testCfg := *cfg
	testCfg.ClientID = fmt.Sprintf("tagflow-stress-%d", time.Now().UnixNano())

	pub := mqtt.NewPublisher(&testCfg, stressNamespace, nil)
	if err := pub.Start(); err != nil {
		result.Error = fmt.Errorf("connect failed: %w", err)
		fmt.Fprintf(r.out, "  Status: FAILED - %v\n\n", result.Error)
		return result
	}
	defer pub.Stop()

	fmt.Fprintf(r.out, "  Running... ")
	result = r.runQueuedStress(pub.PublishTag, result)
	r.printOutcome(result)
	return result
}

// testValkey queues tag writes through a publisher on the stress namespace.
func (r *Runner) testValkey(cfg *config.ValkeyConfig) TestResult {
	result := TestResult{
		BrokerType: "Valkey",
		BrokerName: cfg.Name,
		Address:    cfg.Address,
	}
	r.printSection("Valkey", cfg.Name, "Server", result.Address)

	testCfg := *cfg
	pub := valkey.NewPublisher(&testCfg, stressNamespace, nil)
	if err := pub.Start(); err != nil {
		result.Error = fmt.Errorf("connect failed: %w", err)
		fmt.Fprintf(r.out, "  Status: FAILED - %v\n\n", result.Error)
		return result
	}
	defer pub.Stop()

	fmt.Fprintf(r.out, "  Running... ")
	result = r.runQueuedStress(pub.PublishTag, result)
	r.printOutcome(result)
	return result
}

// runQueuedStress drives a non-blocking publish function from a single
// goroutine. A false return counts as a dropped message.
func (r *Runner) runQueuedStress(publish func(*tag.Tag) bool, result TestResult) TestResult {
	var sent, dropped int64

	ctx, cancel := context.WithTimeout(context.Background(), r.testCfg.Duration)
	defer cancel()

	startTime := time.Now()
	for ctx.Err() == nil {
		if publish(r.randomTag()) {
			sent++
		} else {
			dropped++
		}
	}

	// Let the workers drain what was queued
	time.Sleep(100 * time.Millisecond)

	result.Duration = time.Since(startTime)
	result.MessagesSent = sent
	result.MessagesAcked = sent
	result.Errors = dropped
	result.Throughput = float64(sent) / result.Duration.Seconds()
	result.Success = sent > 0 && dropped == 0
	return result
}

// calculateLatencyStats computes avg, p50, p95, p99, and max latencies.
func calculateLatencyStats(latencies []time.Duration) (avg, p50, p95, p99, max time.Duration) {
	if len(latencies) == 0 {
		return
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	avg = total / time.Duration(len(sorted))

	p50 = sorted[len(sorted)*50/100]
	p95 = sorted[len(sorted)*95/100]
	p99 = sorted[len(sorted)*99/100]
	max = sorted[len(sorted)-1]
	return
}

// printReport prints a formatted summary report.
func (r *Runner) printReport() {
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "  TEST RESULTS")
	fmt.Fprintln(r.out)

	if len(r.results) == 0 {
		fmt.Fprintln(r.out, "  No enabled publishers found in configuration.")
		fmt.Fprintln(r.out)
		fmt.Fprintln(r.out, "  To run tests, enable publishers in the config file:")
		fmt.Fprintln(r.out, "    - kafka[].enabled: true")
		fmt.Fprintln(r.out, "    - mqtt[].enabled: true")
		fmt.Fprintln(r.out, "    - valkey[].enabled: true")
		fmt.Fprintln(r.out)
		return
	}

	fmt.Fprintf(r.out, "  %-7s  %-14s  %14s  %12s  %s\n", "Type", "Name", "Throughput", "Messages", "Status")

	passed, failed := 0, 0
	for _, result := range r.results {
		status := "PASS"
		if !result.Success {
			status = "FAIL"
			failed++
		} else {
			passed++
		}

		name := result.BrokerName
		if len(name) > 14 {
			name = name[:14]
		}
		fmt.Fprintf(r.out, "  %-7s  %-14s  %14s  %12d  %s\n",
			result.BrokerType, name, fmt.Sprintf("%.0f msg/s", result.Throughput), result.MessagesSent, status)
	}
	fmt.Fprintln(r.out)

	for _, result := range r.results {
		if result.Error != nil {
			continue
		}
		fmt.Fprintf(r.out, "  %s/%s:\n", result.BrokerType, result.BrokerName)
		fmt.Fprintf(r.out, "    Address:    %s\n", result.Address)
		fmt.Fprintf(r.out, "    Duration:   %v\n", result.Duration.Round(time.Millisecond))
		fmt.Fprintf(r.out, "    Messages:   %d sent, %d errors\n", result.MessagesSent, result.Errors)
		fmt.Fprintf(r.out, "    Throughput: %.1f msg/s\n", result.Throughput)
		if result.AvgLatency > 0 {
			fmt.Fprintf(r.out, "    Latency:    avg: %v, p50: %v, p95: %v, p99: %v, max: %v\n",
				result.AvgLatency.Round(time.Microsecond),
				result.P50Latency.Round(time.Microsecond),
				result.P95Latency.Round(time.Microsecond),
				result.P99Latency.Round(time.Microsecond),
				result.MaxLatency.Round(time.Microsecond))
		}
		fmt.Fprintln(r.out)
	}

	fmt.Fprintf(r.out, "  Summary: %d passed, %d failed\n", passed, failed)
	if failed > 0 {
		fmt.Fprintln(r.out, "  FAILED TESTS:")
		for _, result := range r.results {
			if result.Success {
				continue
			}
			errMsg := "unknown error"
			if result.Error != nil {
				errMsg = result.Error.Error()
			} else if result.Errors > 0 {
				errMsg = fmt.Sprintf("%d publish errors", result.Errors)
			}
			fmt.Fprintf(r.out, "    - %s/%s: %s\n", result.BrokerType, result.BrokerName, errMsg)
		}
	}
	fmt.Fprintln(r.out)
}
