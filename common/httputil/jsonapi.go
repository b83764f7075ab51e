package httputil

import (
	"net/http"
)

// Resource is a single JSON:API resource object.
type Resource struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	Attributes any               `json:"attributes"`
	Links      map[string]string `json:"links,omitempty"`
}

// ErrorObject is a single JSON:API error.
type ErrorObject struct {
	Status int    `json:"status,omitempty"`
	Code   string `json:"code,omitempty"`
	Title  string `json:"title,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// WriteResource writes {"data": resource}.
func WriteResource(w http.ResponseWriter, status int, res Resource) {
	WriteJSONAPI(w, status, map[string]any{"data": res})
}

// WriteCollection writes a resource list with optional pagination meta.
func WriteCollection(w http.ResponseWriter, status int, items []Resource, page *Pagination) {
	if items == nil {
		items = []Resource{}
	}
	body := map[string]any{"data": items}
	if page != nil {
		body["meta"] = map[string]any{"pagination": page.meta()}
	}
	WriteJSONAPI(w, status, body)
}

// WriteJSONAPIError writes a single-error JSON:API response.
func WriteJSONAPIError(w http.ResponseWriter, status int, code, title, detail string) {
	WriteJSONAPI(w, status, map[string]any{
		"errors": []ErrorObject{{Status: status, Code: code, Title: title, Detail: detail}},
	})
}

func WriteValidationError(w http.ResponseWriter, detail string) {
	WriteJSONAPIError(w, http.StatusBadRequest, "validation_failed", "Validation Failed", detail)
}

func WriteNotFound(w http.ResponseWriter, resourceType, id string) {
	WriteJSONAPIError(w, http.StatusNotFound, "not_found", "Resource Not Found",
		"The requested "+resourceType+" with ID '"+id+"' was not found")
}

func WriteConflict(w http.ResponseWriter, detail string) {
	WriteJSONAPIError(w, http.StatusConflict, "conflict", "Conflict", detail)
}

func WriteUnavailable(w http.ResponseWriter, detail string) {
	WriteJSONAPIError(w, http.StatusServiceUnavailable, "unavailable", "Service Unavailable", detail)
}

func WriteMethodNotAllowed(w http.ResponseWriter, allow ...string) {
	for _, m := range allow {
		w.Header().Add("Allow", m)
	}
	WriteJSONAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method Not Allowed", "")
}

// WriteInternalError hides detail from the client; log the cause before calling.
func WriteInternalError(w http.ResponseWriter) {
	WriteJSONAPIError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error",
		"An internal error occurred")
}
