package engine

import (
	"fmt"

	"tagflow/config"
	"tagflow/mqtt"
)

// CreateMQTT creates a new MQTT broker, saves config, and adds to the manager.
func (e *Engine) CreateMQTT(req MQTTCreateRequest) error {
	if req.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if req.Broker == "" {
		return fmt.Errorf("%w: broker address is required", ErrInvalidInput)
	}
	if e.cfg.FindMQTT(req.Name) != nil {
		return fmt.Errorf("%w: MQTT broker '%s'", ErrAlreadyExists, req.Name)
	}

	mqttCfg := config.DefaultMQTTConfig(req.Name)
	mqttCfg.Broker = req.Broker
	if req.Port != 0 {
		mqttCfg.Port = req.Port
	}
	if req.ClientID != "" {
		mqttCfg.ClientID = req.ClientID
	}
	mqttCfg.Username = req.Username
	mqttCfg.Password = req.Password
	mqttCfg.Selector = req.Selector
	mqttCfg.UseTLS = req.UseTLS
	mqttCfg.Enabled = req.Enabled

	e.cfg.Lock()
	e.cfg.AddMQTT(mqttCfg)
	if err := e.saveConfig(); err != nil {
		return wrapSave(err)
	}

	pub := mqtt.NewPublisher(e.cfg.FindMQTT(req.Name), e.cfg.Namespace, e.metrics)
	e.mqttMgr.Add(pub)

	if req.Enabled {
		if err := pub.Start(); err != nil {
			e.log("MQTT %s: %v", req.Name, err)
		} else {
			e.forcePublishAllValuesToMQTT()
		}
	}

	e.emit(EventMQTTCreated, ServiceEvent{Name: req.Name})
	return nil
}

// DeleteMQTT removes an MQTT broker from config and the running manager.
func (e *Engine) DeleteMQTT(name string) error {
	e.cfg.Lock()
	if !e.cfg.RemoveMQTT(name) {
		e.cfg.Unlock()
		return fmt.Errorf("%w: MQTT broker '%s'", ErrNotFound, name)
	}
	if err := e.saveConfig(); err != nil {
		return wrapSave(err)
	}

	e.mqttMgr.Remove(name)

	e.emit(EventMQTTDeleted, ServiceEvent{Name: name})
	return nil
}

// StartMQTT starts an MQTT publisher and republishes every tag to it.
func (e *Engine) StartMQTT(name string) error {
	pub := e.mqttMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: MQTT publisher '%s'", ErrNotFound, name)
	}
	if err := pub.Start(); err != nil {
		return err
	}
	e.forcePublishAllValuesToMQTT()

	e.emit(EventMQTTStarted, ServiceEvent{Name: name})
	return nil
}

// StopMQTT stops an MQTT publisher.
func (e *Engine) StopMQTT(name string) error {
	pub := e.mqttMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: MQTT publisher '%s'", ErrNotFound, name)
	}
	pub.Stop()
	e.emit(EventMQTTStopped, ServiceEvent{Name: name})
	return nil
}
