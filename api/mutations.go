package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"tagflow/engine"
)

// --- Rule tags ---

func (h *handlers) handleListRules(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.engine.ListRuleTags())
}

func (h *handlers) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req engine.RuleTagHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.engine.CreateRuleTag(req.ToCreateRequest()); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, map[string]string{"status": "created"})
}

func (h *handlers) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	var req engine.RuleTagHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.engine.UpdateRuleTag(id, req.ToUpdateRequest()); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "updated"})
}

func (h *handlers) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.engine.DeleteRuleTag(id); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "deleted"})
}

func (h *handlers) handleEvaluateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.engine.EvaluateRule(id); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	h.writeJSON(w, map[string]string{"status": "evaluating"})
}

// --- Supervision ---

// supervisionRequest optionally carries the message recorded with a
// stop or startup transition.
type supervisionRequest struct {
	Message string `json:"message"`
}

func (h *handlers) decodeSupervision(w http.ResponseWriter, r *http.Request) (supervisionRequest, bool) {
	var req supervisionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return req, false
		}
	}
	return req, true
}

func (h *handlers) handleStopEntity(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kindParam(w, r)
	if !ok {
		return
	}
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	req, ok := h.decodeSupervision(w, r)
	if !ok {
		return
	}
	if err := h.engine.StopEntity(kind, id, req.Message); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "stopped"})
}

func (h *handlers) handleStartEntity(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kindParam(w, r)
	if !ok {
		return
	}
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	req, ok := h.decodeSupervision(w, r)
	if !ok {
		return
	}
	if err := h.engine.StartEntity(kind, id, req.Message); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "startup"})
}

// --- MQTT ---

func (h *handlers) handleCreateMQTT(w http.ResponseWriter, r *http.Request) {
	var req engine.MQTTHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.engine.CreateMQTT(req.ToCreateRequest()); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, map[string]string{"status": "created"})
}

func (h *handlers) handleDeleteMQTT(w http.ResponseWriter, r *http.Request) {
	h.serviceAction(w, r, h.engine.DeleteMQTT, "deleted")
}

func (h *handlers) handleStartMQTT(w http.ResponseWriter, r *http.Request) {
	h.serviceAction(w, r, h.engine.StartMQTT, "started")
}

func (h *handlers) handleStopMQTT(w http.ResponseWriter, r *http.Request) {
	h.serviceAction(w, r, h.engine.StopMQTT, "stopped")
}

// --- Valkey ---

func (h *handlers) handleCreateValkey(w http.ResponseWriter, r *http.Request) {
	var req engine.ValkeyHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.engine.CreateValkey(req.ToCreateRequest()); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, map[string]string{"status": "created"})
}

func (h *handlers) handleDeleteValkey(w http.ResponseWriter, r *http.Request) {
	h.serviceAction(w, r, h.engine.DeleteValkey, "deleted")
}

func (h *handlers) handleStartValkey(w http.ResponseWriter, r *http.Request) {
	h.serviceAction(w, r, h.engine.StartValkey, "started")
}

func (h *handlers) handleStopValkey(w http.ResponseWriter, r *http.Request) {
	h.serviceAction(w, r, h.engine.StopValkey, "stopped")
}

// --- Kafka ---

func (h *handlers) handleCreateKafka(w http.ResponseWriter, r *http.Request) {
	var req engine.KafkaHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.engine.CreateKafka(req.ToCreateRequest()); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, map[string]string{"status": "created"})
}

func (h *handlers) handleDeleteKafka(w http.ResponseWriter, r *http.Request) {
	h.serviceAction(w, r, h.engine.DeleteKafka, "deleted")
}

func (h *handlers) handleConnectKafka(w http.ResponseWriter, r *http.Request) {
	h.serviceAction(w, r, h.engine.ConnectKafka, "connected")
}

func (h *handlers) handleDisconnectKafka(w http.ResponseWriter, r *http.Request) {
	h.serviceAction(w, r, h.engine.DisconnectKafka, "disconnected")
}

// serviceAction runs a by-name publisher operation.
func (h *handlers) serviceAction(w http.ResponseWriter, r *http.Request, op func(name string) error, status string) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid URL encoding in name")
		return
	}
	if err := op(name); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": status})
}
