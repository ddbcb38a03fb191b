package engine

import (
	"errors"
	"fmt"
	"sort"

	"tagflow/admission"
	"tagflow/tag"
	"tagflow/tagstore"
)

// UpdateFromSource admits a source value for a data or control tag. Rejected
// values are not an error; the outcome says why they were dropped.
func (e *Engine) UpdateFromSource(tagID int64, v tag.SourceValue) (admission.Outcome, error) {
	v.TagID = tagID
	out, err := e.updater.UpdateFromSource(tagID, v)
	if errors.Is(err, admission.ErrTagNotFound) {
		return out, fmt.Errorf("%w: tag %d", ErrNotFound, tagID)
	}
	return out, err
}

// GetTag returns a copy of any data, control or rule tag.
func (e *Engine) GetTag(id int64) (*tag.Tag, error) {
	t, err := e.inputs.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w: tag %d", ErrNotFound, id)
	}
	return t, nil
}

// ListTags returns copies of all tags of one kind, ordered by id.
func (e *Engine) ListTags(kind tag.Kind) []*tag.Tag {
	var s *tagstore.Store
	switch kind {
	case tag.KindData:
		s = e.dataStore
	case tag.KindControl:
		s = e.controlStore
	case tag.KindRule:
		s = e.ruleStore
	default:
		return nil
	}
	tags := allTags(s)
	sort.Slice(tags, func(i, j int) bool { return tags[i].ID < tags[j].ID })
	return tags
}
