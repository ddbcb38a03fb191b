// Package supervision tracks the liveness of processes, equipment and
// sub-equipment and cascades down/up transitions through the hierarchy.
package supervision

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnknownTimer is returned for alive timer ids that are not registered.
	ErrUnknownTimer = errors.New("unknown alive timer")
	// ErrUnknownEntity is returned when a kind/id pair does not resolve.
	ErrUnknownEntity = errors.New("unknown supervised entity")
)

// Kind is the type of a supervised entity.
type Kind int

const (
	KindProcess Kind = iota + 1
	KindEquipment
	KindSubEquipment
)

func (k Kind) String() string {
	switch k {
	case KindProcess:
		return "process"
	case KindEquipment:
		return "equipment"
	case KindSubEquipment:
		return "subequipment"
	default:
		return "unknown"
	}
}

// ParseKind converts a config or URL string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "process":
		return KindProcess, nil
	case "equipment":
		return KindEquipment, nil
	case "subequipment", "sub-equipment", "sub_equipment":
		return KindSubEquipment, nil
	default:
		return 0, fmt.Errorf("unknown entity kind: %s", s)
	}
}

// Status is the supervision state of an entity.
type Status int

const (
	StatusStartup Status = iota
	StatusRunning
	StatusRunningLocal
	StatusDown
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusStartup:
		return "STARTUP"
	case StatusRunning:
		return "RUNNING"
	case StatusRunningLocal:
		return "RUNNING_LOCAL"
	case StatusDown:
		return "DOWN"
	case StatusStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsRunning reports whether the status is RUNNING or RUNNING_LOCAL.
func (s Status) IsRunning() bool {
	return s == StatusRunning || s == StatusRunningLocal
}

// Entity is a supervised process, equipment or sub-equipment.
type Entity struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Kind   Kind   `json:"-"`
	Status Status `json:"status"`

	StateTagID     int64 `json:"state_tag_id"`
	AliveTagID     int64 `json:"alive_tag_id,omitempty"`
	CommFaultTagID int64 `json:"commfault_tag_id,omitempty"`

	// LocalConfig marks a process running on a local, not server-pushed,
	// configuration. Processes only.
	LocalConfig bool `json:"local_config,omitempty"`

	ParentID int64   `json:"parent_id,omitempty"`
	ChildIDs []int64 `json:"child_ids,omitempty"`
	// DataTagIDs are invalidated while the entity is down.
	DataTagIDs []int64 `json:"data_tag_ids,omitempty"`
}

func (e *Entity) clone() *Entity {
	cp := *e
	cp.ChildIDs = append([]int64(nil), e.ChildIDs...)
	cp.DataTagIDs = append([]int64(nil), e.DataTagIDs...)
	return &cp
}

type entityKey struct {
	kind Kind
	id   int64
}

// Registry holds the configured entities and their current status.
type Registry struct {
	mu       sync.RWMutex
	entities map[entityKey]*Entity
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entities: make(map[entityKey]*Entity)}
}

// Add registers an entity. Parent links are filled in from ParentID so
// configuration may list children either way.
func (r *Registry) Add(e *Entity) error {
	if e == nil || e.ID == 0 {
		return fmt.Errorf("entity id is required")
	}
	if _, ok := handlers[e.Kind]; !ok {
		return fmt.Errorf("entity %d: %w", e.ID, ErrUnknownEntity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := entityKey{e.Kind, e.ID}
	if _, exists := r.entities[key]; exists {
		return fmt.Errorf("%s %d already registered", e.Kind, e.ID)
	}
	stored := e.clone()
	r.entities[key] = stored

	if e.ParentID != 0 {
		if pk, ok := handlers[e.Kind].ParentKind(); ok {
			if parent, ok := r.entities[entityKey{pk, e.ParentID}]; ok {
				addUnique(&parent.ChildIDs, e.ID)
			}
		}
	}
	// Children registered before their parent.
	if ck, ok := handlers[e.Kind].ChildKind(); ok {
		for k, child := range r.entities {
			if k.kind == ck && child.ParentID == e.ID {
				addUnique(&stored.ChildIDs, child.ID)
			}
		}
		sort.Slice(stored.ChildIDs, func(i, j int) bool { return stored.ChildIDs[i] < stored.ChildIDs[j] })
	}
	return nil
}

// Get returns a copy of the entity.
func (r *Registry) Get(kind Kind, id int64) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[entityKey{kind, id}]
	if !ok {
		return nil, fmt.Errorf("%s %d: %w", kind, id, ErrUnknownEntity)
	}
	return e.clone(), nil
}

// List returns copies of all entities of a kind, ordered by id.
func (r *Registry) List(kind Kind) []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entity
	for k, e := range r.entities {
		if k.kind == kind {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByControlTag returns the entity owning the given alive or comm-fault
// tag.
func (r *Registry) FindByControlTag(tagID int64) (*Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entities {
		if e.AliveTagID == tagID || e.CommFaultTagID == tagID {
			return e.clone(), true
		}
	}
	return nil, false
}

// transition atomically moves an entity to the status chosen by next if
// allowed returns true for its current status. It returns the entity snapshot
// and the previous status.
func (r *Registry) transition(kind Kind, id int64, allowed func(Status) bool, next func(*Entity) Status) (*Entity, Status, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[entityKey{kind, id}]
	if !ok {
		return nil, 0, false, fmt.Errorf("%s %d: %w", kind, id, ErrUnknownEntity)
	}
	prev := e.Status
	if !allowed(prev) {
		return e.clone(), prev, false, nil
	}
	e.Status = next(e)
	return e.clone(), prev, true, nil
}

func addUnique(ids *[]int64, id int64) {
	for _, existing := range *ids {
		if existing == id {
			return
		}
	}
	*ids = append(*ids, id)
}
