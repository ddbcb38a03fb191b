package engine

import (
	"fmt"

	"tagflow/config"
	"tagflow/tag"
)

// EvaluateRule recomputes one rule tag. The result reaches the rule store
// through the result buffer.
func (e *Engine) EvaluateRule(id int64) error {
	if !e.ruleStore.Contains(id) {
		return fmt.Errorf("%w: rule tag %d", ErrNotFound, id)
	}
	e.evaluator.EvaluateRule(id)
	return nil
}

// ListRuleTags returns the configured rule tags.
func (e *Engine) ListRuleTags() []config.RuleTagConfig {
	e.cfg.Lock()
	defer e.cfg.Unlock()
	out := make([]config.RuleTagConfig, len(e.cfg.RuleTags))
	copy(out, e.cfg.RuleTags)
	return out
}

// CreateRuleTag compiles a new rule tag, saves config, links it to its inputs
// and evaluates it once.
func (e *Engine) CreateRuleTag(req RuleTagCreateRequest) error {
	if req.ID <= 0 {
		return fmt.Errorf("%w: id must be positive", ErrInvalidInput)
	}
	if req.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	e.ruleMu.Lock()
	defer e.ruleMu.Unlock()

	if e.inputs.Contains(req.ID) {
		return fmt.Errorf("%w: tag %d", ErrAlreadyExists, req.ID)
	}
	t, err := buildRuleTag(req.ID, req.Name, req.DataType, req.Expression, req.Mode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	inputs := t.Expression.InputTagIDs()
	if err := e.checkRuleInputs(t.ID, inputs); err != nil {
		return err
	}

	e.cfg.Lock()
	e.cfg.AddRuleTag(config.RuleTagConfig{
		ID:         req.ID,
		Name:       req.Name,
		DataType:   req.DataType,
		Expression: t.RuleText,
		Mode:       req.Mode,
	})
	if err := e.saveConfig(); err != nil {
		return wrapSave(err)
	}

	e.ruleStore.Load(t)
	e.linkInputs(t.ID, inputs)
	e.log("Created rule tag %d (%s): %s", t.ID, t.Name, t.RuleText)

	e.emit(EventRuleCreated, RuleEvent{ID: t.ID, Name: t.Name})
	e.evaluator.EvaluateRule(t.ID)
	return nil
}

// UpdateRuleTag replaces a rule tag's definition. Its value and quality are
// kept until the next evaluation, which runs immediately.
func (e *Engine) UpdateRuleTag(id int64, req RuleTagUpdateRequest) error {
	e.ruleMu.Lock()
	defer e.ruleMu.Unlock()

	current, err := e.ruleStore.Get(id)
	if err != nil {
		return fmt.Errorf("%w: rule tag %d", ErrNotFound, id)
	}
	if req.Name == "" {
		req.Name = current.Name
	}
	t, err := buildRuleTag(id, req.Name, req.DataType, req.Expression, req.Mode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	inputs := t.Expression.InputTagIDs()
	if err := e.checkRuleInputs(id, inputs); err != nil {
		return err
	}

	e.cfg.Lock()
	e.cfg.UpdateRuleTag(id, config.RuleTagConfig{
		ID:         id,
		Name:       req.Name,
		DataType:   req.DataType,
		Expression: t.RuleText,
		Mode:       req.Mode,
	})
	if err := e.saveConfig(); err != nil {
		return wrapSave(err)
	}

	e.unlinkInputs(id, current.Expression.InputTagIDs())
	_ = e.ruleStore.Amend(id, func(r *tag.Tag) {
		r.Name = t.Name
		r.DataType = t.DataType
		r.Mode = t.Mode
		r.Expression = t.Expression
		r.RuleText = t.RuleText
	})
	e.linkInputs(id, inputs)
	e.log("Updated rule tag %d (%s): %s", id, t.Name, t.RuleText)

	e.emit(EventRuleUpdated, RuleEvent{ID: id, Name: t.Name})
	e.evaluator.EvaluateRule(id)
	return nil
}

// DeleteRuleTag removes a rule tag that no other rule reads.
func (e *Engine) DeleteRuleTag(id int64) error {
	e.ruleMu.Lock()
	defer e.ruleMu.Unlock()

	current, err := e.ruleStore.Get(id)
	if err != nil {
		return fmt.Errorf("%w: rule tag %d", ErrNotFound, id)
	}
	if len(current.RuleIDs) > 0 {
		return fmt.Errorf("%w: rule tag %d is read by rules %v", ErrInvalidInput, id, current.RuleIDs)
	}

	e.cfg.Lock()
	e.cfg.RemoveRuleTag(id)
	if err := e.saveConfig(); err != nil {
		return wrapSave(err)
	}

	e.unlinkInputs(id, current.Expression.InputTagIDs())
	e.ruleStore.Remove(id)
	e.log("Deleted rule tag %d (%s)", id, current.Name)

	e.emit(EventRuleDeleted, RuleEvent{ID: id, Name: current.Name})
	return nil
}

// checkRuleInputs rejects unknown inputs and inputs that would close a
// dependency cycle through ruleID. Caller holds ruleMu.
func (e *Engine) checkRuleInputs(ruleID int64, inputs []int64) error {
	deps := make(map[int64][]int64)
	for _, in := range inputs {
		if in == ruleID {
			return fmt.Errorf("%w: rule tag %d reads itself", ErrInvalidInput, ruleID)
		}
		if !e.inputs.Contains(in) {
			return fmt.Errorf("%w: rule tag %d reads unknown tag %d", ErrInvalidInput, ruleID, in)
		}
		if e.ruleStore.Contains(in) {
			deps[ruleID] = append(deps[ruleID], in)
		}
	}
	for _, id := range e.ruleStore.IDs() {
		if id == ruleID {
			continue
		}
		r, err := e.ruleStore.Get(id)
		if err != nil || r.Expression == nil {
			continue
		}
		for _, in := range r.Expression.InputTagIDs() {
			if e.ruleStore.Contains(in) {
				deps[id] = append(deps[id], in)
			}
		}
	}
	if cycle := findRuleCycle(deps); cycle != nil {
		return fmt.Errorf("%w: rule dependency cycle %s", ErrInvalidInput, formatCycle(cycle))
	}
	return nil
}

func (e *Engine) linkInputs(ruleID int64, inputs []int64) {
	for _, in := range inputs {
		s, ok := e.inputs.StoreFor(in)
		if !ok {
			continue
		}
		_ = s.Amend(in, func(t *tag.Tag) { t.AddRuleID(ruleID) })
	}
}

func (e *Engine) unlinkInputs(ruleID int64, inputs []int64) {
	for _, in := range inputs {
		s, ok := e.inputs.StoreFor(in)
		if !ok {
			continue
		}
		_ = s.Amend(in, func(t *tag.Tag) { t.RemoveRuleID(ruleID) })
	}
}
