package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/aivisibility/internal/domain/entities"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
)

const sseClientBuffer = 32

// SSEHandler streams job status events to HTTP clients
type SSEHandler struct {
	eventBus  providers.EventBus
	heartbeat time.Duration
	clients   map[string]map[chan *entities.JobEvent]bool // channel -> clients
	mu        sync.RWMutex
}

// NewSSEHandler creates a new SSE handler
func NewSSEHandler(eventBus providers.EventBus) *SSEHandler {
	return &SSEHandler{
		eventBus:  eventBus,
		heartbeat: 30 * time.Second,
		clients:   make(map[string]map[chan *entities.JobEvent]bool),
	}
}

// WithHeartbeat overrides the keep-alive interval
func (h *SSEHandler) WithHeartbeat(d time.Duration) *SSEHandler {
	h.heartbeat = d
	return h
}

// StreamScanEvents handles GET /api/scans/events?project_id=
// Without project_id every job event is streamed.
func (h *SSEHandler) StreamScanEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	projectID := r.URL.Query().Get("project_id")
	channel := providers.EventChannelScanJobs
	if projectID != "" {
		channel = providers.GetProjectChannel(projectID)
	}

	ctx := r.Context()
	eventChan, err := h.eventBus.Subscribe(ctx, channel)
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("Failed to subscribe to event channel")
		respondWithError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	clientChan := make(chan *entities.JobEvent, sseClientBuffer)
	h.registerClient(channel, clientChan)
	defer h.unregisterClient(channel, clientChan)

	h.sendEvent(w, "connected", map[string]interface{}{
		"channel":   channel,
		"timestamp": time.Now().UTC(),
	})
	flusher.Flush()

	busClosed := make(chan struct{})
	go h.forwardEvents(ctx, channel, eventChan, clientChan, busClosed)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("channel", channel).Msg("Event stream client disconnected")
			return
		case <-busClosed:
			log.Debug().Str("channel", channel).Msg("Event bus closed, ending stream")
			return
		case <-ticker.C:
			h.sendEvent(w, "heartbeat", map[string]interface{}{
				"timestamp": time.Now().UTC(),
			})
			flusher.Flush()
		case event := <-clientChan:
			if event == nil {
				continue
			}
			h.sendEvent(w, "job."+string(event.Status), event)
			flusher.Flush()
		}
	}
}

// forwardEvents copies bus events to the client, dropping them when the client lags.
// busClosed is closed when the subscription ends.
func (h *SSEHandler) forwardEvents(ctx context.Context, channel string, eventChan <-chan *entities.JobEvent, clientChan chan<- *entities.JobEvent, busClosed chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventChan:
			if !ok {
				close(busClosed)
				return
			}
			select {
			case clientChan <- event:
			default:
				log.Warn().Str("channel", channel).Str("job_id", event.JobID).Msg("Event stream client lagging, dropping event")
			}
		}
	}
}

func (h *SSEHandler) registerClient(channel string, clientChan chan *entities.JobEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[channel] == nil {
		h.clients[channel] = make(map[chan *entities.JobEvent]bool)
	}
	h.clients[channel][clientChan] = true
	log.Debug().Str("channel", channel).Int("clients", len(h.clients[channel])).Msg("Event stream client registered")
}

func (h *SSEHandler) unregisterClient(channel string, clientChan chan *entities.JobEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, exists := h.clients[channel]; exists {
		delete(clients, clientChan)
		if len(clients) == 0 {
			delete(h.clients, channel)
		}
	}
}

func (h *SSEHandler) sendEvent(w http.ResponseWriter, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Warn().Err(err).Str("event", eventType).Msg("Failed to marshal event data")
		return
	}

	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
}

// GetClientCount returns the number of connected clients
func (h *SSEHandler) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, clients := range h.clients {
		count += len(clients)
	}
	return count
}
