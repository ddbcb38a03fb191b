// Package kafka produces tag updates and supervision transitions to Kafka and
// optionally consumes source values for admission.
package kafka

import (
	"crypto/tls"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"tagflow/config"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// Config is the runtime form of config.KafkaConfig.
type Config struct {
	Name          string
	Enabled       bool
	Brokers       []string
	UseTLS        bool
	TLSSkipVerify bool
	SASLMechanism SASLMechanism
	Username      string
	Password      string

	// Producer settings
	RequiredAcks     int // -1=all, 0=none, 1=leader only
	MaxRetries       int
	RetryBackoff     time.Duration
	AutoCreateTopics bool

	PublishChanges bool
	Selector       string

	ConsumeSources bool
	ConsumerGroup  string
}

// FromConfig converts the persisted cluster configuration.
func FromConfig(kc *config.KafkaConfig) *Config {
	return &Config{
		Name:             kc.Name,
		Enabled:          kc.Enabled,
		Brokers:          kc.Brokers,
		UseTLS:           kc.UseTLS,
		TLSSkipVerify:    kc.TLSSkipVerify,
		SASLMechanism:    SASLMechanism(kc.SASLMechanism),
		Username:         kc.Username,
		Password:         kc.Password,
		RequiredAcks:     kc.RequiredAcks,
		MaxRetries:       kc.MaxRetries,
		RetryBackoff:     kc.RetryBackoff,
		AutoCreateTopics: kc.AutoCreateTopics == nil || *kc.AutoCreateTopics,
		PublishChanges:   kc.PublishChanges,
		Selector:         kc.Selector,
		ConsumeSources:   kc.ConsumeSources,
		ConsumerGroup:    kc.ConsumerGroup,
	}
}

// GetConsumerGroup returns the configured group or tagflow-{name}.
func (c *Config) GetConsumerGroup() string {
	if c.ConsumerGroup != "" {
		return c.ConsumerGroup
	}
	return "tagflow-" + c.Name
}

// GetTLSConfig returns a TLS configuration if TLS is enabled.
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
	}
}

// Dialer creates a dialer with auth and TLS.
func (c *Config) Dialer() *kafka.Dialer {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
		TLS:       c.GetTLSConfig(),
	}
	if mechanism := c.SASL(); mechanism != nil {
		dialer.SASLMechanism = mechanism
	}
	return dialer
}

// Transport creates a writer transport with auth and TLS.
func (c *Config) Transport() *kafka.Transport {
	transport := &kafka.Transport{
		DialTimeout: 10 * time.Second,
		TLS:         c.GetTLSConfig(),
	}
	if mechanism := c.SASL(); mechanism != nil {
		transport.SASL = mechanism
	}
	return transport
}

// SASL returns the configured SASL mechanism, or nil without credentials.
func (c *Config) SASL() sasl.Mechanism {
	if c.Username == "" {
		return nil
	}

	switch c.SASLMechanism {
	case SASLPlain:
		return plain.Mechanism{
			Username: c.Username,
			Password: c.Password,
		}
	case SASLSCRAMSHA256:
		mechanism, _ := scram.Mechanism(scram.SHA256, c.Username, c.Password)
		return mechanism
	case SASLSCRAMSHA512:
		mechanism, _ := scram.Mechanism(scram.SHA512, c.Username, c.Password)
		return mechanism
	default:
		return nil
	}
}
