// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/localfirst-chat/internal/model"
	"github.com/capitalize-ai/localfirst-chat/internal/remotestore"
	"github.com/capitalize-ai/localfirst-chat/internal/service"
	"github.com/capitalize-ai/localfirst-chat/pkg/logger"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// errorStatus maps a service error to an HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrNotShared):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNoSession), errors.Is(err, model.ErrNoActiveChat), errors.Is(err, service.ErrStreaming):
		return http.StatusConflict
	case errors.Is(err, remotestore.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps err to a response. Unexpected errors are logged
// and reported without detail.
func writeServiceError(w http.ResponseWriter, log *logger.Logger, action string, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Error("failed to "+action, zap.Error(err))
		writeError(w, status, "failed to "+action)
		return
	}
	writeError(w, status, err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body")
	}
	return nil
}
