package engine

import (
	"fmt"

	"tagflow/config"
	"tagflow/kafka"
)

// CreateKafka creates a new Kafka cluster, saves config, and adds to the manager.
func (e *Engine) CreateKafka(req KafkaCreateRequest) error {
	if req.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if len(req.Brokers) == 0 {
		return fmt.Errorf("%w: at least one broker is required", ErrInvalidInput)
	}
	if e.cfg.FindKafka(req.Name) != nil {
		return fmt.Errorf("%w: Kafka cluster '%s'", ErrAlreadyExists, req.Name)
	}

	autoCreate := req.AutoCreateTopics
	kafkaCfg := config.KafkaConfig{
		Name:             req.Name,
		Brokers:          req.Brokers,
		UseTLS:           req.UseTLS,
		TLSSkipVerify:    req.TLSSkipVerify,
		SASLMechanism:    req.SASLMechanism,
		Username:         req.Username,
		Password:         req.Password,
		Selector:         req.Selector,
		PublishChanges:   req.PublishChanges,
		AutoCreateTopics: &autoCreate,
		Enabled:          req.Enabled,
		RequiredAcks:     req.RequiredAcks,
		MaxRetries:       req.MaxRetries,
		RetryBackoff:     req.RetryBackoff,
		ConsumeSources:   req.ConsumeSources,
		ConsumerGroup:    req.ConsumerGroup,
	}

	e.cfg.Lock()
	e.cfg.AddKafka(kafkaCfg)
	if err := e.saveConfig(); err != nil {
		return wrapSave(err)
	}

	e.kafkaMgr.AddCluster(kafka.FromConfig(e.cfg.FindKafka(req.Name)))
	if req.Enabled {
		go func() {
			if err := e.kafkaMgr.Connect(req.Name); err != nil {
				e.log("Kafka %s: %v", req.Name, err)
			}
		}()
	}

	e.emit(EventKafkaCreated, ServiceEvent{Name: req.Name})
	return nil
}

// DeleteKafka removes a Kafka cluster from config and the running manager.
func (e *Engine) DeleteKafka(name string) error {
	e.cfg.Lock()
	if !e.cfg.RemoveKafka(name) {
		e.cfg.Unlock()
		return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
	}
	if err := e.saveConfig(); err != nil {
		return wrapSave(err)
	}

	e.kafkaMgr.RemoveCluster(name)

	e.emit(EventKafkaDeleted, ServiceEvent{Name: name})
	return nil
}

// ConnectKafka connects a Kafka cluster and starts its source consumer.
func (e *Engine) ConnectKafka(name string) error {
	if e.kafkaMgr.GetProducer(name) == nil {
		return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
	}
	if err := e.kafkaMgr.Connect(name); err != nil {
		return err
	}
	e.emit(EventKafkaConnected, ServiceEvent{Name: name})
	return nil
}

// DisconnectKafka disconnects a Kafka cluster.
func (e *Engine) DisconnectKafka(name string) error {
	if err := e.kafkaMgr.Disconnect(name); err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	e.emit(EventKafkaDisconnected, ServiceEvent{Name: name})
	return nil
}
