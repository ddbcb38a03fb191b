// Package api provides the REST API for reading tags, feeding source values
// and alive heartbeats, managing rule tags and publishers, and following
// supervision state.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"tagflow/admission"
	"tagflow/config"
	"tagflow/engine"
	"tagflow/supervision"
	"tagflow/tag"
)

// Engine is the subset of *engine.Engine the API needs.
type Engine interface {
	GetStatus() engine.Status
	GetTag(id int64) (*tag.Tag, error)
	ListTags(kind tag.Kind) []*tag.Tag
	UpdateFromSource(tagID int64, v tag.SourceValue) (admission.Outcome, error)
	ForcePublishTag(id int64) error
	ForcePublishAll()

	ListRuleTags() []config.RuleTagConfig
	CreateRuleTag(req engine.RuleTagCreateRequest) error
	UpdateRuleTag(id int64, req engine.RuleTagUpdateRequest) error
	DeleteRuleTag(id int64) error
	EvaluateRule(id int64) error

	AliveTimers() []supervision.AliveTimer
	Heartbeat(timerID int64, ts time.Time) (admission.Outcome, error)
	History(since time.Time) []supervision.Transition
	Entities(kind supervision.Kind) []*supervision.Entity
	Entity(kind supervision.Kind, id int64) (*supervision.Entity, error)
	StopEntity(kind supervision.Kind, id int64, msg string) error
	StartEntity(kind supervision.Kind, id int64, msg string) error

	CreateMQTT(req engine.MQTTCreateRequest) error
	DeleteMQTT(name string) error
	StartMQTT(name string) error
	StopMQTT(name string) error
	CreateValkey(req engine.ValkeyCreateRequest) error
	DeleteValkey(name string) error
	StartValkey(name string) error
	StopValkey(name string) error
	CreateKafka(req engine.KafkaCreateRequest) error
	DeleteKafka(name string) error
	ConnectKafka(name string) error
	DisconnectKafka(name string) error

	Subscribe(fn func(engine.Event)) engine.SubscriberID
	Unsubscribe(id engine.SubscriberID)
}

// TagResponse is the JSON response for a tag.
type TagResponse struct {
	ID               int64       `json:"id"`
	Name             string      `json:"name"`
	Kind             string      `json:"kind"`
	DataType         string      `json:"data_type"`
	Mode             string      `json:"mode"`
	Value            interface{} `json:"value"`
	ValueDescription string      `json:"value_description,omitempty"`
	Valid            bool        `json:"valid"`
	Quality          tag.Quality `json:"quality,omitempty"`
	SourceTimestamp  *time.Time  `json:"source_timestamp,omitempty"`
	DAQTimestamp     *time.Time  `json:"daq_timestamp,omitempty"`
	ServerTimestamp  *time.Time  `json:"server_timestamp,omitempty"`
	RuleIDs          []int64     `json:"rule_ids,omitempty"`
	Expression       string      `json:"expression,omitempty"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// NewTagResponse converts a tag.
func NewTagResponse(t *tag.Tag) TagResponse {
	return TagResponse{
		ID:               t.ID,
		Name:             t.Name,
		Kind:             t.Kind.String(),
		DataType:         t.DataType.String(),
		Mode:             t.Mode.String(),
		Value:            t.Value,
		ValueDescription: t.ValueDescription,
		Valid:            t.IsValid(),
		Quality:          t.Quality,
		SourceTimestamp:  optionalTime(t.SourceTimestamp),
		DAQTimestamp:     optionalTime(t.DAQTimestamp),
		ServerTimestamp:  optionalTime(t.ServerTimestamp),
		RuleIDs:          t.RuleIDs,
		Expression:       t.RuleText,
	}
}

// OutcomeResponse reports whether a source value was admitted.
type OutcomeResponse struct {
	Accepted  bool       `json:"accepted"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

// EntityResponse is the JSON response for a supervised entity.
type EntityResponse struct {
	Kind string `json:"kind"`
	*supervision.Entity
}

// AliveTimerResponse is the JSON response for an alive timer.
type AliveTimerResponse struct {
	RelatedKind string `json:"related_kind"`
	supervision.AliveTimer
}

// handlers holds the API handler functions.
type handlers struct {
	engine Engine
	hub    *eventHub
	subID  engine.SubscriberID
}

// NewRouter creates the REST API router. The returned function stops the
// SSE hub and detaches it from the engine.
func NewRouter(eng Engine) (chi.Router, func()) {
	r := chi.NewRouter()
	h := &handlers{engine: eng, hub: newEventHub()}
	cleanup := h.setupSSE()

	r.Get("/", h.handleStatus)
	r.Get("/events", h.handleSSE)
	r.Post("/publish", h.handleForcePublishAll)

	r.Route("/tags", func(r chi.Router) {
		r.Get("/", h.handleListTags)
		r.Get("/{id}", h.handleGetTag)
		r.Post("/{id}/source", h.handleSource)
		r.Post("/{id}/publish", h.handleForcePublishTag)
	})

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.handleListRules)
		r.Post("/", h.handleCreateRule)
		r.Put("/{id}", h.handleUpdateRule)
		r.Delete("/{id}", h.handleDeleteRule)
		r.Post("/{id}/evaluate", h.handleEvaluateRule)
	})

	r.Route("/alive", func(r chi.Router) {
		r.Get("/", h.handleListAlive)
		r.Post("/{id}", h.handleHeartbeat)
	})

	r.Route("/supervision", func(r chi.Router) {
		r.Get("/history", h.handleHistory)
		r.Get("/{kind}", h.handleListEntities)
		r.Get("/{kind}/{id}", h.handleGetEntity)
		r.Post("/{kind}/{id}/stop", h.handleStopEntity)
		r.Post("/{kind}/{id}/startup", h.handleStartEntity)
	})

	r.Route("/mqtt", func(r chi.Router) {
		r.Post("/", h.handleCreateMQTT)
		r.Delete("/{name}", h.handleDeleteMQTT)
		r.Post("/{name}/start", h.handleStartMQTT)
		r.Post("/{name}/stop", h.handleStopMQTT)
	})

	r.Route("/valkey", func(r chi.Router) {
		r.Post("/", h.handleCreateValkey)
		r.Delete("/{name}", h.handleDeleteValkey)
		r.Post("/{name}/start", h.handleStartValkey)
		r.Post("/{name}/stop", h.handleStopValkey)
	})

	r.Route("/kafka", func(r chi.Router) {
		r.Post("/", h.handleCreateKafka)
		r.Delete("/{name}", h.handleDeleteKafka)
		r.Post("/{name}/connect", h.handleConnectKafka)
		r.Post("/{name}/disconnect", h.handleDisconnectKafka)
	})

	return r, cleanup
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeEngineError maps engine sentinel errors to HTTP status codes.
func (h *handlers) writeEngineError(w http.ResponseWriter, err error) {
	h.writeError(w, engine.EngineHTTPStatus(err), err.Error())
}

// idParam parses a numeric URL parameter, writing a 400 on failure.
func (h *handlers) idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid "+name+": "+chi.URLParam(r, name))
		return 0, false
	}
	return id, true
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.engine.GetStatus())
}

func (h *handlers) handleListTags(w http.ResponseWriter, r *http.Request) {
	kinds := []tag.Kind{tag.KindData, tag.KindControl, tag.KindRule}
	switch r.URL.Query().Get("kind") {
	case "":
	case "data":
		kinds = []tag.Kind{tag.KindData}
	case "control":
		kinds = []tag.Kind{tag.KindControl}
	case "rule":
		kinds = []tag.Kind{tag.KindRule}
	default:
		h.writeError(w, http.StatusBadRequest, "kind must be data, control or rule")
		return
	}

	response := make([]TagResponse, 0)
	for _, k := range kinds {
		for _, t := range h.engine.ListTags(k) {
			response = append(response, NewTagResponse(t))
		}
	}
	h.writeJSON(w, response)
}

func (h *handlers) handleGetTag(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	t, err := h.engine.GetTag(id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, NewTagResponse(t))
}

func (h *handlers) handleSource(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	var req engine.SourceHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	v, err := req.ToSourceValue(id, time.Now())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	out, err := h.engine.UpdateFromSource(id, v)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, newOutcomeResponse(out))
}

func newOutcomeResponse(out admission.Outcome) OutcomeResponse {
	return OutcomeResponse{Accepted: out.Accepted, AppliedAt: optionalTime(out.AppliedAt)}
}

func (h *handlers) handleForcePublishTag(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.engine.ForcePublishTag(id); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "published"})
}

func (h *handlers) handleForcePublishAll(w http.ResponseWriter, r *http.Request) {
	h.engine.ForcePublishAll()
	h.writeJSON(w, map[string]string{"status": "published"})
}

func (h *handlers) handleListAlive(w http.ResponseWriter, r *http.Request) {
	timers := h.engine.AliveTimers()
	response := make([]AliveTimerResponse, 0, len(timers))
	for _, t := range timers {
		response = append(response, AliveTimerResponse{RelatedKind: t.RelatedKind.String(), AliveTimer: t})
	}
	h.writeJSON(w, response)
}

// heartbeatRequest optionally carries the time the heartbeat was produced.
type heartbeatRequest struct {
	Timestamp time.Time `json:"timestamp"`
}

func (h *handlers) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	var req heartbeatRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}
	out, err := h.engine.Heartbeat(id, req.Timestamp)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, newOutcomeResponse(out))
}

func (h *handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = ts
	}
	h.writeJSON(w, h.engine.History(since))
}

func (h *handlers) kindParam(w http.ResponseWriter, r *http.Request) (supervision.Kind, bool) {
	kind, err := supervision.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return 0, false
	}
	return kind, true
}

func (h *handlers) handleListEntities(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kindParam(w, r)
	if !ok {
		return
	}
	entities := h.engine.Entities(kind)
	response := make([]EntityResponse, 0, len(entities))
	for _, e := range entities {
		response = append(response, EntityResponse{Kind: kind.String(), Entity: e})
	}
	h.writeJSON(w, response)
}

func (h *handlers) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kindParam(w, r)
	if !ok {
		return
	}
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	e, err := h.engine.Entity(kind, id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, EntityResponse{Kind: kind.String(), Entity: e})
}
