package engine

import "time"

// RuleTagCreateRequest holds fields for creating a rule tag.
type RuleTagCreateRequest struct {
	ID         int64
	Name       string
	DataType   string
	Expression string
	Mode       string
}

// RuleTagUpdateRequest holds fields for replacing a rule tag's definition.
type RuleTagUpdateRequest struct {
	Name       string
	DataType   string
	Expression string
	Mode       string
}

// MQTTCreateRequest holds fields for creating an MQTT broker.
type MQTTCreateRequest struct {
	Name     string
	Broker   string
	Port     int
	ClientID string
	Username string
	Password string
	Selector string
	UseTLS   bool
	Enabled  bool
}

// ValkeyCreateRequest holds fields for creating a Valkey server.
type ValkeyCreateRequest struct {
	Name           string
	Address        string
	Password       string
	Database       int
	Selector       string
	KeyTTL         time.Duration
	UseTLS         bool
	PublishChanges bool
	Enabled        bool
}

// KafkaCreateRequest holds fields for creating a Kafka cluster.
type KafkaCreateRequest struct {
	Name             string
	Brokers          []string
	UseTLS           bool
	TLSSkipVerify    bool
	SASLMechanism    string
	Username         string
	Password         string
	Selector         string
	PublishChanges   bool
	AutoCreateTopics bool
	Enabled          bool
	RequiredAcks     int
	MaxRetries       int
	RetryBackoff     time.Duration
	ConsumeSources   bool
	ConsumerGroup    string
}
