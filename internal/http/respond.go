package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/jnoller/racer/internal/orchestrator"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends a failure envelope with a category and human message.
func writeError(w http.ResponseWriter, status int, category, msg string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   category,
		"message": msg,
	})
}

// writeFailure classifies an orchestrator error into a status code and
// failure envelope.
func writeFailure(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), orchestrator.Category(err), err.Error())
}

func statusForError(err error) int {
	switch orchestrator.Category(err) {
	case "validation_error":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "runtime_unreachable", "cluster_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
