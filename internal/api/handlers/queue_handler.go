package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
)

// QueueHandler exposes queue depth and the dead letter list
type QueueHandler struct {
	queue providers.JobQueue
}

// NewQueueHandler creates a new queue handler
func NewQueueHandler(queue providers.JobQueue) *QueueHandler {
	return &QueueHandler{queue: queue}
}

// GetStats handles GET /api/queues/{name}/stats
func (h *QueueHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	name, ok := queueName(w, r)
	if !ok {
		return
	}

	stats, err := h.queue.Stats(r.Context(), name)
	if err != nil {
		log.Error().Err(err).Str("queue", string(name)).Msg("Failed to read queue stats")
		respondWithError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

// ListDeadLetters handles GET /api/queues/{name}/dead?limit=
func (h *QueueHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	name, ok := queueName(w, r)
	if !ok {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxListLimit {
			respondWithError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	letters, err := h.queue.DeadLetters(r.Context(), name, limit)
	if err != nil {
		log.Error().Err(err).Str("queue", string(name)).Msg("Failed to list dead letters")
		respondWithError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"dead":  letters,
		"count": len(letters),
	})
}

// RetryDeadLetter handles POST /api/queues/{name}/dead/{id}/retry
func (h *QueueHandler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	name, ok := queueName(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	if err := h.queue.RetryDead(r.Context(), name, id); err != nil {
		if errors.Is(err, providers.ErrDeadJobNotFound) {
			respondWithError(w, http.StatusNotFound, "dead job not found")
			return
		}
		log.Error().Err(err).Str("queue", string(name)).Str("job_id", id).Msg("Failed to retry dead job")
		respondWithError(w, http.StatusInternalServerError, "failed to retry dead job")
		return
	}

	log.Info().Str("queue", string(name)).Str("job_id", id).Msg("Dead job requeued")
	respondWithJSON(w, http.StatusAccepted, map[string]string{
		"status": "requeued",
		"id":     id,
	})
}

func queueName(w http.ResponseWriter, r *http.Request) (providers.QueueName, bool) {
	name, err := providers.ParseQueueName(r.PathValue("name"))
	if err != nil {
		respondWithError(w, http.StatusNotFound, err.Error())
		return "", false
	}
	return name, true
}
