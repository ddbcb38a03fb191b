// Package config handles configuration persistence for the tagflow server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Config holds the complete application configuration.
type Config struct {
	Namespace string `yaml:"namespace"` // Required: instance namespace for topic/key isolation

	Buffer  BufferConfig  `yaml:"buffer"`
	Workers WorkerConfig  `yaml:"workers"`
	Alive   AliveConfig   `yaml:"alive"`
	Web     WebConfig     `yaml:"web"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log,omitempty"`

	DataTags     []TagConfig       `yaml:"data_tags"`
	ControlTags  []TagConfig       `yaml:"control_tags"`
	RuleTags     []RuleTagConfig   `yaml:"rule_tags"`
	Processes    []ProcessConfig   `yaml:"processes"`
	Equipment    []EquipmentConfig `yaml:"equipment"`
	SubEquipment []EquipmentConfig `yaml:"subequipment,omitempty"`

	MQTT   []MQTTConfig   `yaml:"mqtt"`
	Valkey []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka  []KafkaConfig  `yaml:"kafka,omitempty"`

	// Data mutex protects all config fields against concurrent access.
	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	// Save() acquires the lock internally for callers that don't hold it.
	dataMu sync.Mutex `yaml:"-"`

	// Change listeners (not serialized)
	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// BufferConfig controls rule result debouncing.
type BufferConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	MaxCycles    int           `yaml:"max_cycles"`
}

// WorkerConfig sizes the rule evaluation pool.
type WorkerConfig struct {
	Count int `yaml:"count"`
}

// AliveConfig controls alive timer checking and supervision history.
type AliveConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	HistorySize   int           `yaml:"history_size"`
}

// WebConfig holds HTTP API server configuration.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

// LogConfig controls the log file and debug output.
type LogConfig struct {
	File       string `yaml:"file,omitempty"`
	Debug      string `yaml:"debug,omitempty"` // Component filter, "all" for everything
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// TagConfig describes a data or control tag.
type TagConfig struct {
	ID             int64       `yaml:"id"`
	Name           string      `yaml:"name"`
	DataType       string      `yaml:"data_type"` // Boolean, Integer, Long, Float, Double, String
	Mode           string      `yaml:"mode,omitempty"`
	ProcessID      int64       `yaml:"process,omitempty"`
	EquipmentID    int64       `yaml:"equipment,omitempty"`
	SubEquipmentID int64       `yaml:"subequipment,omitempty"`
	InitialValue   interface{} `yaml:"initial_value,omitempty"`
}

// RuleTagConfig describes a rule tag. Inputs are referenced as #<tag id>.
type RuleTagConfig struct {
	ID         int64  `yaml:"id"`
	Name       string `yaml:"name"`
	DataType   string `yaml:"data_type"`
	Expression string `yaml:"expression"`
	Mode       string `yaml:"mode,omitempty"`
}

// ProcessConfig describes a supervised DAQ process.
type ProcessConfig struct {
	ID            int64         `yaml:"id"`
	Name          string        `yaml:"name"`
	StateTag      int64         `yaml:"state_tag"`
	AliveTag      int64         `yaml:"alive_tag,omitempty"`
	AliveInterval time.Duration `yaml:"alive_interval,omitempty"`
	LocalConfig   bool          `yaml:"local_config,omitempty"`
}

// EquipmentConfig describes a supervised equipment or sub-equipment.
type EquipmentConfig struct {
	ID            int64         `yaml:"id"`
	Name          string        `yaml:"name"`
	Parent        int64         `yaml:"parent"` // Process id for equipment, equipment id for sub-equipment
	StateTag      int64         `yaml:"state_tag"`
	CommFaultTag  int64         `yaml:"commfault_tag,omitempty"`
	AliveTag      int64         `yaml:"alive_tag,omitempty"`
	AliveInterval time.Duration `yaml:"alive_interval,omitempty"`
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port format
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`           // Redis DB number (default 0)
	Selector       string        `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"`         // TTL for keys (0 = no expiry)
	PublishChanges bool          `yaml:"publish_changes,omitempty"` // Publish to Pub/Sub on changes
}

// KafkaConfig holds Kafka cluster configuration for YAML persistence.
// Optional fields use pointer types to distinguish "not set" from false.
// The kafka package has its own Config struct with non-pointer types for
// runtime use.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`

	PublishChanges   bool   `yaml:"publish_changes,omitempty"`    // Publish tag changes to Kafka
	Selector         string `yaml:"selector,omitempty"`           // Optional sub-namespace
	AutoCreateTopics *bool  `yaml:"auto_create_topics,omitempty"` // Default true

	// Source ingestion
	ConsumeSources bool   `yaml:"consume_sources,omitempty"` // Read source values from {topic}.sources
	ConsumerGroup  string `yaml:"consumer_group,omitempty"`  // Default tagflow-{name}
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Buffer: BufferConfig{
			TickInterval: 75 * time.Millisecond,
			MaxCycles:    6,
		},
		Workers: WorkerConfig{
			Count: 4,
		},
		Alive: AliveConfig{
			CheckInterval: 100 * time.Millisecond,
			HistorySize:   1000,
		},
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		DataTags:    []TagConfig{},
		ControlTags: []TagConfig{},
		RuleTags:    []RuleTagConfig{},
		Processes:   []ProcessConfig{},
		Equipment:   []EquipmentConfig{},
		MQTT:        []MQTTConfig{},
		Valkey:      []ValkeyConfig{},
		Kafka:       []KafkaConfig{},
	}
}

// DefaultMQTTConfig returns an MQTT broker config with defaults.
func DefaultMQTTConfig(name string) MQTTConfig {
	return MQTTConfig{
		Name:     name,
		Broker:   "localhost",
		Port:     1883,
		ClientID: "tagflow-" + name,
	}
}

// DefaultValkeyConfig returns a Valkey config with defaults.
func DefaultValkeyConfig(name string) ValkeyConfig {
	return ValkeyConfig{
		Name:           name,
		Address:        "localhost:6379",
		PublishChanges: true,
	}
}

// DefaultKafkaConfig returns a Kafka config with defaults.
func DefaultKafkaConfig(name string) KafkaConfig {
	return KafkaConfig{
		Name:           name,
		Brokers:        []string{"localhost:9092"},
		RequiredAcks:   -1,
		MaxRetries:     3,
		RetryBackoff:   100 * time.Millisecond,
		PublishChanges: true,
	}
}

// DefaultPath returns the default configuration file path (~/.tagflow/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".tagflow", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, which are written back best-effort.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg.Save(path) // Best-effort save
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// AddOnChangeListener registers a callback to be called when the config is saved.
// Returns an ID that can be used to remove the listener later.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}

	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
// Use this before modifying config fields, then call UnlockAndSave.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

// saveLocked marshals config (lock must be held), unlocks, then writes and notifies.
func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock() // Release lock after marshal, before I/O

	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// FindDataTag returns the data tag with the given id, or nil if not found.
func (c *Config) FindDataTag(id int64) *TagConfig {
	for i := range c.DataTags {
		if c.DataTags[i].ID == id {
			return &c.DataTags[i]
		}
	}
	return nil
}

// FindControlTag returns the control tag with the given id, or nil if not found.
func (c *Config) FindControlTag(id int64) *TagConfig {
	for i := range c.ControlTags {
		if c.ControlTags[i].ID == id {
			return &c.ControlTags[i]
		}
	}
	return nil
}

// FindRuleTag returns the rule tag with the given id, or nil if not found.
func (c *Config) FindRuleTag(id int64) *RuleTagConfig {
	for i := range c.RuleTags {
		if c.RuleTags[i].ID == id {
			return &c.RuleTags[i]
		}
	}
	return nil
}

// AddRuleTag adds a new rule tag.
func (c *Config) AddRuleTag(rule RuleTagConfig) {
	c.RuleTags = append(c.RuleTags, rule)
}

// RemoveRuleTag removes a rule tag by id.
func (c *Config) RemoveRuleTag(id int64) bool {
	for i, r := range c.RuleTags {
		if r.ID == id {
			c.RuleTags = append(c.RuleTags[:i], c.RuleTags[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateRuleTag replaces an existing rule tag.
func (c *Config) UpdateRuleTag(id int64, updated RuleTagConfig) bool {
	for i, r := range c.RuleTags {
		if r.ID == id {
			c.RuleTags[i] = updated
			return true
		}
	}
	return false
}

// FindProcess returns the process with the given id, or nil if not found.
func (c *Config) FindProcess(id int64) *ProcessConfig {
	for i := range c.Processes {
		if c.Processes[i].ID == id {
			return &c.Processes[i]
		}
	}
	return nil
}

// FindEquipment returns the equipment with the given id, or nil if not found.
func (c *Config) FindEquipment(id int64) *EquipmentConfig {
	for i := range c.Equipment {
		if c.Equipment[i].ID == id {
			return &c.Equipment[i]
		}
	}
	return nil
}

// FindSubEquipment returns the sub-equipment with the given id, or nil if not found.
func (c *Config) FindSubEquipment(id int64) *EquipmentConfig {
	for i := range c.SubEquipment {
		if c.SubEquipment[i].ID == id {
			return &c.SubEquipment[i]
		}
	}
	return nil
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// AddMQTT adds a new MQTT configuration.
func (c *Config) AddMQTT(mqtt MQTTConfig) {
	c.MQTT = append(c.MQTT, mqtt)
}

// RemoveMQTT removes an MQTT config by name.
func (c *Config) RemoveMQTT(name string) bool {
	for i, m := range c.MQTT {
		if m.Name == name {
			c.MQTT = append(c.MQTT[:i], c.MQTT[i+1:]...)
			return true
		}
	}
	return false
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// AddValkey adds a new Valkey configuration.
func (c *Config) AddValkey(valkey ValkeyConfig) {
	c.Valkey = append(c.Valkey, valkey)
}

// RemoveValkey removes a Valkey config by name.
func (c *Config) RemoveValkey(name string) bool {
	for i, v := range c.Valkey {
		if v.Name == name {
			c.Valkey = append(c.Valkey[:i], c.Valkey[i+1:]...)
			return true
		}
	}
	return false
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// AddKafka adds a new Kafka configuration.
func (c *Config) AddKafka(kafka KafkaConfig) {
	c.Kafka = append(c.Kafka, kafka)
}

// RemoveKafka removes a Kafka config by name.
func (c *Config) RemoveKafka(name string) bool {
	for i, k := range c.Kafka {
		if k.Name == name {
			c.Kafka = append(c.Kafka[:i], c.Kafka[i+1:]...)
			return true
		}
	}
	return false
}

// Validate checks the configuration for errors: namespace format, unique tag
// ids across all tag families, and references between entities and tags.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, underscores, and dots")
	}

	seen := make(map[int64]string)
	claim := func(id int64, what string) error {
		if id <= 0 {
			return fmt.Errorf("%s: tag id must be positive", what)
		}
		if prev, ok := seen[id]; ok {
			return fmt.Errorf("tag id %d used by both %s and %s", id, prev, what)
		}
		seen[id] = what
		return nil
	}
	for _, t := range c.DataTags {
		if err := claim(t.ID, "data tag "+t.Name); err != nil {
			return err
		}
	}
	for _, t := range c.ControlTags {
		if err := claim(t.ID, "control tag "+t.Name); err != nil {
			return err
		}
	}
	for _, r := range c.RuleTags {
		if err := claim(r.ID, "rule tag "+r.Name); err != nil {
			return err
		}
		if strings.TrimSpace(r.Expression) == "" {
			return fmt.Errorf("rule tag %d (%s) has no expression", r.ID, r.Name)
		}
	}

	control := func(id int64, what string) error {
		if id != 0 && c.FindControlTag(id) == nil {
			return fmt.Errorf("%s references unknown control tag %d", what, id)
		}
		return nil
	}
	for _, p := range c.Processes {
		what := fmt.Sprintf("process %d (%s)", p.ID, p.Name)
		if err := checkSupervised(what, p.StateTag, p.AliveTag, p.AliveInterval, control); err != nil {
			return err
		}
	}
	for _, e := range c.Equipment {
		what := fmt.Sprintf("equipment %d (%s)", e.ID, e.Name)
		if c.FindProcess(e.Parent) == nil {
			return fmt.Errorf("%s references unknown process %d", what, e.Parent)
		}
		if err := checkSupervised(what, e.StateTag, e.AliveTag, e.AliveInterval, control); err != nil {
			return err
		}
		if err := control(e.CommFaultTag, what); err != nil {
			return err
		}
	}
	for _, s := range c.SubEquipment {
		what := fmt.Sprintf("subequipment %d (%s)", s.ID, s.Name)
		if c.FindEquipment(s.Parent) == nil {
			return fmt.Errorf("%s references unknown equipment %d", what, s.Parent)
		}
		if err := checkSupervised(what, s.StateTag, s.AliveTag, s.AliveInterval, control); err != nil {
			return err
		}
		if err := control(s.CommFaultTag, what); err != nil {
			return err
		}
	}
	return nil
}

func checkSupervised(what string, stateTag, aliveTag int64, interval time.Duration, control func(int64, string) error) error {
	if err := control(stateTag, what); err != nil {
		return err
	}
	if err := control(aliveTag, what); err != nil {
		return err
	}
	if aliveTag != 0 && interval <= 0 {
		return fmt.Errorf("%s has an alive tag but no alive interval", what)
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
