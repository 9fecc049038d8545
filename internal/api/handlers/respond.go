package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	apperrors "github.com/zatekoja/aivisibility/pkg/errors"
)

func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

// respondWithAppError maps an AppError type to its HTTP status. Internal
// details are logged, not returned.
func respondWithAppError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperrors.AppError
	message := "internal server error"
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeNotFound:
		respondWithError(w, http.StatusNotFound, message)
	case apperrors.ErrorTypeValidation:
		respondWithError(w, http.StatusBadRequest, message)
	case apperrors.ErrorTypeConflict:
		respondWithError(w, http.StatusConflict, message)
	case apperrors.ErrorTypeUnauthorized:
		respondWithError(w, http.StatusUnauthorized, message)
	case apperrors.ErrorTypeExternal:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Upstream failure")
		respondWithError(w, http.StatusBadGateway, "upstream service failure")
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		respondWithError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
