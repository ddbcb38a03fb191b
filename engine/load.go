package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"tagflow/config"
	"tagflow/expression"
	"tagflow/supervision"
	"tagflow/tag"
)

// buildTag creates a data or control tag from its configuration. A configured
// initial value makes the tag valid from the start.
func buildTag(tc config.TagConfig, kind tag.Kind, now time.Time) (*tag.Tag, error) {
	mode, err := tag.ParseMode(tc.Mode)
	if err != nil {
		return nil, fmt.Errorf("%s tag %d: %w", kind, tc.ID, err)
	}
	t := tag.New(tc.ID, tc.Name, kind, tag.ParseValueKind(tc.DataType))
	t.Mode = mode
	t.ProcessID = tc.ProcessID
	t.EquipmentID = tc.EquipmentID
	t.SubEquipmentID = tc.SubEquipmentID

	if tc.InitialValue != nil {
		v, err := tag.Cast(tc.InitialValue, t.DataType)
		if err != nil {
			return nil, fmt.Errorf("%s tag %d: initial value: %w", kind, tc.ID, err)
		}
		t.Value = v
		t.Quality = tag.Quality{}
		t.ServerTimestamp = now
	}
	return t, nil
}

// buildRuleTag compiles a rule tag. Its result type is fixed here.
func buildRuleTag(id int64, name, dataType, text, modeName string) (*tag.Tag, error) {
	mode, err := tag.ParseMode(modeName)
	if err != nil {
		return nil, fmt.Errorf("rule tag %d: %w", id, err)
	}
	expr, err := expression.Compile(text)
	if err != nil {
		return nil, fmt.Errorf("rule tag %d: %w", id, err)
	}
	t := tag.New(id, name, tag.KindRule, tag.ParseValueKind(dataType))
	t.Mode = mode
	t.Expression = expr
	t.RuleText = expr.Text()
	return t, nil
}

// loadTags fills the three stores from configuration and records on every
// input tag which rules read it.
func (e *Engine) loadTags() error {
	cfg := e.cfg
	all := make(map[int64]*tag.Tag)
	now := e.now()

	add := func(t *tag.Tag) error {
		if _, exists := all[t.ID]; exists {
			return fmt.Errorf("%w: duplicate tag id %d", ErrInvalidInput, t.ID)
		}
		all[t.ID] = t
		return nil
	}

	for _, tc := range cfg.DataTags {
		t, err := buildTag(tc, tag.KindData, now)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if err := add(t); err != nil {
			return err
		}
	}
	for _, tc := range cfg.ControlTags {
		t, err := buildTag(tc, tag.KindControl, now)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if err := add(t); err != nil {
			return err
		}
	}
	var ruleIDs []int64
	for _, rc := range cfg.RuleTags {
		t, err := buildRuleTag(rc.ID, rc.Name, rc.DataType, rc.Expression, rc.Mode)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if err := add(t); err != nil {
			return err
		}
		ruleIDs = append(ruleIDs, t.ID)
	}

	deps := make(map[int64][]int64, len(ruleIDs))
	for _, id := range ruleIDs {
		r := all[id]
		for _, in := range r.Expression.InputTagIDs() {
			input, ok := all[in]
			if !ok {
				e.log("rule tag %d (%s) reads unknown tag %d; it will stay invalid", r.ID, r.Name, in)
				continue
			}
			input.AddRuleID(r.ID)
			if input.IsRule() {
				deps[r.ID] = append(deps[r.ID], in)
			}
		}
	}
	if cycle := findRuleCycle(deps); cycle != nil {
		return fmt.Errorf("%w: rule dependency cycle %s", ErrInvalidInput, formatCycle(cycle))
	}

	for _, t := range all {
		switch t.Kind {
		case tag.KindData:
			e.dataStore.Load(t)
		case tag.KindControl:
			e.controlStore.Load(t)
		case tag.KindRule:
			e.ruleStore.Load(t)
		}
	}
	return nil
}

// findRuleCycle returns the ids along a dependency cycle between rules, or
// nil. deps maps a rule to the rules it reads.
func findRuleCycle(deps map[int64][]int64) []int64 {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[int64]int)
	var stack []int64

	var visit func(id int64) []int64
	visit = func(id int64) []int64 {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch state[dep] {
			case visiting:
				for i, s := range stack {
					if s == dep {
						cycle := append([]int64(nil), stack[i:]...)
						return append(cycle, dep)
					}
				}
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	ids := make([]int64, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if state[id] == unvisited {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

func formatCycle(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("#%d", id)
	}
	return strings.Join(parts, " -> ")
}

// loadEntities builds the supervision hierarchy and registers alive timers.
// Data tags attach to the most specific entity they name.
func (e *Engine) loadEntities() (*supervision.Registry, error) {
	cfg := e.cfg
	reg := supervision.NewRegistry()

	type key struct {
		kind supervision.Kind
		id   int64
	}
	dataTags := make(map[key][]int64)
	for _, tc := range cfg.DataTags {
		switch {
		case tc.SubEquipmentID != 0:
			k := key{supervision.KindSubEquipment, tc.SubEquipmentID}
			dataTags[k] = append(dataTags[k], tc.ID)
		case tc.EquipmentID != 0:
			k := key{supervision.KindEquipment, tc.EquipmentID}
			dataTags[k] = append(dataTags[k], tc.ID)
		case tc.ProcessID != 0:
			k := key{supervision.KindProcess, tc.ProcessID}
			dataTags[k] = append(dataTags[k], tc.ID)
		}
	}

	register := func(ent *supervision.Entity, interval time.Duration) error {
		ent.DataTagIDs = dataTags[key{ent.Kind, ent.ID}]
		if err := reg.Add(ent); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if ent.AliveTagID != 0 {
			if err := e.timers.Register(ent.AliveTagID, ent.ID, ent.Kind, interval); err != nil {
				return fmt.Errorf("%w: %s %d: %v", ErrInvalidInput, ent.Kind, ent.ID, err)
			}
		}
		return nil
	}

	for _, p := range cfg.Processes {
		ent := &supervision.Entity{
			ID:          p.ID,
			Name:        p.Name,
			Kind:        supervision.KindProcess,
			StateTagID:  p.StateTag,
			AliveTagID:  p.AliveTag,
			LocalConfig: p.LocalConfig,
		}
		if err := register(ent, p.AliveInterval); err != nil {
			return nil, err
		}
	}
	for _, eq := range cfg.Equipment {
		ent := &supervision.Entity{
			ID:             eq.ID,
			Name:           eq.Name,
			Kind:           supervision.KindEquipment,
			ParentID:       eq.Parent,
			StateTagID:     eq.StateTag,
			AliveTagID:     eq.AliveTag,
			CommFaultTagID: eq.CommFaultTag,
		}
		if err := register(ent, eq.AliveInterval); err != nil {
			return nil, err
		}
	}
	for _, sub := range cfg.SubEquipment {
		ent := &supervision.Entity{
			ID:             sub.ID,
			Name:           sub.Name,
			Kind:           supervision.KindSubEquipment,
			ParentID:       sub.Parent,
			StateTagID:     sub.StateTag,
			AliveTagID:     sub.AliveTag,
			CommFaultTagID: sub.CommFaultTag,
		}
		if err := register(ent, sub.AliveInterval); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
