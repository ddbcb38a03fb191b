package supervision

import "tagflow/tag"

// Handler holds the per-kind behaviour of the cascade.
type Handler interface {
	Kind() Kind
	// DownQuality is the reason attached to the entity's data tags while it
	// is down.
	DownQuality() tag.QualityStatus
	// ChildKind is the kind of the entity's children, if it has any.
	ChildKind() (Kind, bool)
	ParentKind() (Kind, bool)
	// UpStatus is the status an entity moves to when it comes up.
	UpStatus(e *Entity) Status
}

type processHandler struct{}

func (processHandler) Kind() Kind { return KindProcess }

func (processHandler) DownQuality() tag.QualityStatus { return tag.ProcessDown }

func (processHandler) ChildKind() (Kind, bool) { return KindEquipment, true }

func (processHandler) ParentKind() (Kind, bool) { return 0, false }

func (processHandler) UpStatus(e *Entity) Status {
	if e.LocalConfig {
		return StatusRunningLocal
	}
	return StatusRunning
}

type equipmentHandler struct{}

func (equipmentHandler) Kind() Kind { return KindEquipment }

func (equipmentHandler) DownQuality() tag.QualityStatus { return tag.EquipmentDown }

func (equipmentHandler) ChildKind() (Kind, bool) { return KindSubEquipment, true }

func (equipmentHandler) ParentKind() (Kind, bool) { return KindProcess, true }

func (equipmentHandler) UpStatus(*Entity) Status { return StatusRunning }

type subEquipmentHandler struct{}

func (subEquipmentHandler) Kind() Kind { return KindSubEquipment }

func (subEquipmentHandler) DownQuality() tag.QualityStatus { return tag.SubEquipmentDown }

func (subEquipmentHandler) ChildKind() (Kind, bool) { return 0, false }

func (subEquipmentHandler) ParentKind() (Kind, bool) { return KindEquipment, true }

func (subEquipmentHandler) UpStatus(*Entity) Status { return StatusRunning }

// handlers is the kind dispatch table.
var handlers = map[Kind]Handler{
	KindProcess:      processHandler{},
	KindEquipment:    equipmentHandler{},
	KindSubEquipment: subEquipmentHandler{},
}

// HandlerFor returns the handler registered for kind.
func HandlerFor(kind Kind) (Handler, bool) {
	h, ok := handlers[kind]
	return h, ok
}
