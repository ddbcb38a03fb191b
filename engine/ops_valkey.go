package engine

import (
	"fmt"

	"tagflow/config"
	"tagflow/valkey"
)

// CreateValkey creates a new Valkey server, saves config, and adds to the manager.
func (e *Engine) CreateValkey(req ValkeyCreateRequest) error {
	if req.Name == "" || req.Address == "" {
		return fmt.Errorf("%w: name and address are required", ErrInvalidInput)
	}
	if e.cfg.FindValkey(req.Name) != nil {
		return fmt.Errorf("%w: Valkey server '%s'", ErrAlreadyExists, req.Name)
	}

	valkeyCfg := config.ValkeyConfig{
		Name:           req.Name,
		Address:        req.Address,
		Password:       req.Password,
		Database:       req.Database,
		Selector:       req.Selector,
		KeyTTL:         req.KeyTTL,
		UseTLS:         req.UseTLS,
		PublishChanges: req.PublishChanges,
		Enabled:        req.Enabled,
	}

	e.cfg.Lock()
	e.cfg.AddValkey(valkeyCfg)
	if err := e.saveConfig(); err != nil {
		return wrapSave(err)
	}

	pub := valkey.NewPublisher(e.cfg.FindValkey(req.Name), e.cfg.Namespace, e.metrics)
	e.valkeyMgr.Add(pub)
	if req.Enabled {
		// The on-connect callback republishes every tag.
		go func() {
			if err := pub.Start(); err != nil {
				e.log("Valkey %s: %v", req.Name, err)
			}
		}()
	}

	e.emit(EventValkeyCreated, ServiceEvent{Name: req.Name})
	return nil
}

// DeleteValkey removes a Valkey server from config and the running manager.
func (e *Engine) DeleteValkey(name string) error {
	e.cfg.Lock()
	if !e.cfg.RemoveValkey(name) {
		e.cfg.Unlock()
		return fmt.Errorf("%w: Valkey server '%s'", ErrNotFound, name)
	}
	if err := e.saveConfig(); err != nil {
		return wrapSave(err)
	}

	e.valkeyMgr.Remove(name)

	e.emit(EventValkeyDeleted, ServiceEvent{Name: name})
	return nil
}

// StartValkey starts a Valkey publisher.
func (e *Engine) StartValkey(name string) error {
	pub := e.valkeyMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: Valkey publisher '%s'", ErrNotFound, name)
	}
	if err := pub.Start(); err != nil {
		return err
	}

	e.emit(EventValkeyStarted, ServiceEvent{Name: name})
	return nil
}

// StopValkey stops a Valkey publisher.
func (e *Engine) StopValkey(name string) error {
	pub := e.valkeyMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: Valkey publisher '%s'", ErrNotFound, name)
	}
	if err := pub.Stop(); err != nil {
		return err
	}

	e.emit(EventValkeyStopped, ServiceEvent{Name: name})
	return nil
}
