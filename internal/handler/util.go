// Package handler provides HTTP handlers for the sync API.
package handler

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/gigport/messaging-sync/pkg/errors"
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

// writeAppError maps a typed operation failure onto an HTTP response.
func writeAppError(w http.ResponseWriter, err error) {
	writeJSON(w, apperrors.Status(err), map[string]string{
		"error": apperrors.UserMessage(err),
	})
}
