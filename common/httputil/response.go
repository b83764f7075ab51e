package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	write(w, "application/json", status, data)
}

// WriteJSONAPI writes a response with the JSON:API content type.
func WriteJSONAPI(w http.ResponseWriter, status int, data any) {
	write(w, "application/vnd.api+json", status, data)
}

func write(w http.ResponseWriter, contentType string, status int, data any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "content_type", contentType, "error", err)
	}
}

// WriteError writes a plain JSON error body.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}
