package engine

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tagflow/admission"
	"tagflow/supervision"
	"tagflow/tag"
)

// SourceHTTPRequest is the JSON form of a source value posted to a tag.
type SourceHTTPRequest struct {
	Value            interface{}       `json:"value"`
	ValueDescription string            `json:"value_description"`
	Quality          map[string]string `json:"quality"` // Status name -> description
	Timestamp        time.Time         `json:"timestamp"`
	DAQTimestamp     time.Time         `json:"daq_timestamp"`
}

// ToSourceValue converts the request. A missing timestamp is replaced by now.
func (r SourceHTTPRequest) ToSourceValue(tagID int64, now time.Time) (tag.SourceValue, error) {
	quality := tag.Quality{}
	for name, desc := range r.Quality {
		status, err := tag.ParseQualityStatus(name)
		if err != nil {
			return tag.SourceValue{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		quality[status] = desc
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return tag.SourceValue{
		TagID:            tagID,
		Value:            r.Value,
		ValueDescription: r.ValueDescription,
		Quality:          quality,
		Timestamp:        ts,
		DAQTimestamp:     r.DAQTimestamp,
	}, nil
}

// RuleTagHTTPRequest is the JSON form of rule tag create/update fields.
type RuleTagHTTPRequest struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	DataType   string `json:"data_type"`
	Expression string `json:"expression"`
	Mode       string `json:"mode"`
}

// ToCreateRequest converts to an engine RuleTagCreateRequest.
func (r RuleTagHTTPRequest) ToCreateRequest() RuleTagCreateRequest {
	return RuleTagCreateRequest{
		ID: r.ID, Name: r.Name, DataType: r.DataType,
		Expression: r.Expression, Mode: r.Mode,
	}
}

// ToUpdateRequest converts to an engine RuleTagUpdateRequest.
func (r RuleTagHTTPRequest) ToUpdateRequest() RuleTagUpdateRequest {
	return RuleTagUpdateRequest{
		Name: r.Name, DataType: r.DataType,
		Expression: r.Expression, Mode: r.Mode,
	}
}

// MQTTHTTPRequest is the JSON-serializable form of MQTT create fields.
type MQTTHTTPRequest struct {
	Name     string `json:"name"`
	Broker   string `json:"broker"`
	Port     int    `json:"port"`
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"password"`
	Selector string `json:"selector"`
	UseTLS   bool   `json:"use_tls"`
	Enabled  bool   `json:"enabled"`
}

// ToCreateRequest converts to an engine MQTTCreateRequest.
func (r MQTTHTTPRequest) ToCreateRequest() MQTTCreateRequest {
	return MQTTCreateRequest{
		Name: r.Name, Broker: r.Broker, Port: r.Port,
		ClientID: r.ClientID, Username: r.Username, Password: r.Password,
		Selector: r.Selector, UseTLS: r.UseTLS, Enabled: r.Enabled,
	}
}

// ValkeyHTTPRequest is the JSON-serializable form of Valkey create fields.
type ValkeyHTTPRequest struct {
	Name           string `json:"name"`
	Address        string `json:"address"`
	Password       string `json:"password"`
	Database       int    `json:"database"`
	Selector       string `json:"selector"`
	KeyTTL         string `json:"key_ttl"`
	UseTLS         bool   `json:"use_tls"`
	PublishChanges bool   `json:"publish_changes"`
	Enabled        bool   `json:"enabled"`
}

func (r ValkeyHTTPRequest) parseKeyTTL() time.Duration {
	if r.KeyTTL != "" {
		if d, err := time.ParseDuration(r.KeyTTL); err == nil {
			return d
		}
	}
	return 0
}

// ToCreateRequest converts to an engine ValkeyCreateRequest.
func (r ValkeyHTTPRequest) ToCreateRequest() ValkeyCreateRequest {
	return ValkeyCreateRequest{
		Name: r.Name, Address: r.Address, Password: r.Password,
		Database: r.Database, Selector: r.Selector, KeyTTL: r.parseKeyTTL(),
		UseTLS: r.UseTLS, PublishChanges: r.PublishChanges, Enabled: r.Enabled,
	}
}

// KafkaHTTPRequest is the JSON-serializable form of Kafka create fields.
// Supports both comma-separated "brokers" string and "broker_list" array.
type KafkaHTTPRequest struct {
	Name             string   `json:"name"`
	Brokers          string   `json:"brokers"`               // comma-separated
	BrokerList       []string `json:"broker_list,omitempty"` // alternative to comma-separated
	UseTLS           bool     `json:"use_tls"`
	TLSSkipVerify    bool     `json:"tls_skip_verify"`
	SASLMechanism    string   `json:"sasl_mechanism"`
	Username         string   `json:"username"`
	Password         string   `json:"password"`
	Selector         string   `json:"selector"`
	PublishChanges   bool     `json:"publish_changes"`
	AutoCreateTopics bool     `json:"auto_create_topics"`
	Enabled          bool     `json:"enabled"`
	RequiredAcks     int      `json:"required_acks"`
	MaxRetries       int      `json:"max_retries"`
	RetryBackoff     string   `json:"retry_backoff"`
	ConsumeSources   bool     `json:"consume_sources"`
	ConsumerGroup    string   `json:"consumer_group"`
}

// ParseBrokers returns the broker list, preferring BrokerList over comma-separated Brokers.
func (r KafkaHTTPRequest) ParseBrokers() []string {
	if len(r.BrokerList) > 0 {
		return r.BrokerList
	}
	if r.Brokers == "" {
		return nil
	}
	var brokers []string
	for _, b := range strings.Split(r.Brokers, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// ToCreateRequest converts to an engine KafkaCreateRequest.
func (r KafkaHTTPRequest) ToCreateRequest() KafkaCreateRequest {
	var retryBackoff time.Duration
	if r.RetryBackoff != "" {
		if d, err := time.ParseDuration(r.RetryBackoff); err == nil {
			retryBackoff = d
		}
	}
	return KafkaCreateRequest{
		Name: r.Name, Brokers: r.ParseBrokers(), UseTLS: r.UseTLS,
		TLSSkipVerify: r.TLSSkipVerify, SASLMechanism: r.SASLMechanism,
		Username: r.Username, Password: r.Password, Selector: r.Selector,
		PublishChanges: r.PublishChanges, AutoCreateTopics: r.AutoCreateTopics,
		Enabled: r.Enabled, RequiredAcks: r.RequiredAcks, MaxRetries: r.MaxRetries,
		RetryBackoff: retryBackoff, ConsumeSources: r.ConsumeSources,
		ConsumerGroup: r.ConsumerGroup,
	}
}

// EngineHTTPStatus maps engine sentinel errors to HTTP status codes.
func EngineHTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, admission.ErrTagNotFound),
		errors.Is(err, supervision.ErrUnknownEntity),
		errors.Is(err, supervision.ErrUnknownTimer):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrSaveFailed):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
