package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tagflow/engine"
	"tagflow/logging"
)

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type  string
	TagID int64 // set when the event concerns a single tag (for filtering)
	Data  interface{}
}

// apiSSEClient represents a connected SSE client.
type apiSSEClient struct {
	id     string
	events chan sseEvent
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*apiSSEClient
	register   chan *apiSSEClient
	unregister chan *apiSSEClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*apiSSEClient),
		register:   make(chan *apiSSEClient),
		unregister: make(chan *apiSSEClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api", "client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api", "broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// handleSSE serves the /api/events SSE endpoint. Query parameters:
// types (comma separated event names) and tags (comma separated tag ids,
// applied to tag events only).
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	var typeFilter map[string]bool
	if types := r.URL.Query().Get("types"); types != "" {
		typeFilter = make(map[string]bool)
		for _, t := range strings.Split(types, ",") {
			typeFilter[strings.TrimSpace(t)] = true
		}
	}
	var tagFilter map[int64]bool
	if tags := r.URL.Query().Get("tags"); tags != "" {
		tagFilter = make(map[int64]bool)
		for _, t := range strings.Split(tags, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
			if err != nil {
				h.writeError(w, http.StatusBadRequest, "invalid tag id in tags filter: "+t)
				return
			}
			tagFilter[id] = true
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	clientID := "api-" + uuid.NewString()
	client := &apiSSEClient{
		id:     clientID,
		events: make(chan sseEvent, 64),
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		http.Error(w, "event stream closed", http.StatusServiceUnavailable)
		return
	}

	notify := r.Context().Done()

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", clientID)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-notify:
			select {
			case h.hub.unregister <- client:
			case <-h.hub.done:
			}
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[event.Type] {
				continue
			}
			if tagFilter != nil && event.TagID != 0 && !tagFilter[event.TagID] {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, string(data))
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// setupSSE subscribes the hub to engine events. Returns a cleanup function
// that unsubscribes and stops the hub.
func (h *handlers) setupSSE() func() {
	h.subID = h.engine.Subscribe(func(ev engine.Event) {
		h.hub.Broadcast(sseEvent{
			Type:  ev.Type.String(),
			TagID: tagEventID(ev),
			Data:  eventData(ev),
		})
	})

	return func() {
		h.engine.Unsubscribe(h.subID)
		h.hub.Stop()
	}
}

// tagEventID returns the tag id an event refers to, or 0.
func tagEventID(ev engine.Event) int64 {
	if te, ok := ev.Payload.(engine.TagEvent); ok && te.Tag != nil {
		return te.Tag.ID
	}
	return 0
}

// eventData converts an engine event payload to its JSON form.
func eventData(ev engine.Event) interface{} {
	switch p := ev.Payload.(type) {
	case engine.TagEvent:
		if p.Tag == nil {
			return nil
		}
		return NewTagResponse(p.Tag)
	case engine.SupervisionEvent:
		return p.Transition
	case engine.AliveEvent:
		return map[string]int64{"timer_id": p.TimerID}
	case engine.RuleEvent:
		return map[string]interface{}{"id": p.ID, "name": p.Name}
	case engine.ServiceEvent:
		return map[string]string{"name": p.Name}
	case engine.SystemEvent:
		return map[string]string{"detail": p.Detail}
	default:
		return p
	}
}
