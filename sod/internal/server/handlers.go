package server

import (
	"errors"
	"net/http"

	"github.com/seis-sod/sod-stack/common/httputil"
	"github.com/seis-sod/sod-stack/common/logging"
	"github.com/seis-sod/sod-stack/common/messaging"
	"github.com/seis-sod/sod-stack/sod/internal/intake"
	"github.com/seis-sod/sod-stack/sod/internal/metrics"
	"github.com/seis-sod/sod-stack/sod/internal/orchestrator"
)

const resourceRequest = "request"

// Service is the orchestrator surface the API exposes.
type Service interface {
	intake.Submitter
	State(id string) (orchestrator.RequestStatus, bool)
	Recent(offset, limit int) ([]orchestrator.RequestStatus, int)
	Cancel(id string) error
	Stats() metrics.Stats
}

// Handler wires HTTP routes to the orchestrator.
type Handler struct {
	svc     Service
	bus     messaging.Client
	version string
	logger  *logging.Logger
}

// NewHandler creates a Handler. bus may be nil when the intake is disabled.
func NewHandler(svc Service, bus messaging.Client, version string, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{svc: svc, bus: bus, version: version, logger: logger}
}

// Health handles GET /healthz. A configured but disconnected message bus
// reports 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "version": h.version}
	status := http.StatusOK
	if h.bus != nil {
		bus := messaging.CheckClientHealth(r.Context(), h.bus)
		body["messaging"] = bus
		if !bus.Connected {
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	httputil.WriteJSON(w, status, body)
}

// Stats handles GET /api/v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.svc.Stats())
}

// SubmitRequest handles POST /api/v1/requests.
func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	data, err := httputil.ReadBody(w, r)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	sub, err := intake.Decode(data)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	id, err := intake.Submit(r.Context(), h.svc, sub)
	switch {
	case errors.Is(err, orchestrator.ErrShutdown):
		httputil.WriteUnavailable(w, err.Error())
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "submit failed", logging.EventID(sub.Event.ID), logging.Error(err))
		httputil.WriteInternalError(w)
		return
	}

	st, ok := h.svc.State(id)
	if !ok {
		// Already evicted; report the id alone.
		httputil.WriteResource(w, http.StatusAccepted, httputil.Resource{Type: resourceRequest, ID: id})
		return
	}
	w.Header().Set("Location", "/api/v1/requests/"+id)
	httputil.WriteResource(w, http.StatusAccepted, resource(st))
}

// ListRequests handles GET /api/v1/requests, newest finished first.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	page := httputil.ParsePagination(r, 50, 500)
	items, total := h.svc.Recent(page.Offset(), page.Limit)
	page.Total = total

	res := make([]httputil.Resource, 0, len(items))
	for _, st := range items {
		res = append(res, resource(st))
	}
	httputil.WriteCollection(w, http.StatusOK, res, &page)
}

// GetRequest handles GET /api/v1/requests/{id}.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := h.svc.State(id)
	if !ok {
		httputil.WriteNotFound(w, resourceRequest, id)
		return
	}
	httputil.WriteResource(w, http.StatusOK, resource(st))
}

// CancelRequest handles POST /api/v1/requests/{id}/cancel.
func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.svc.Cancel(id)
	switch {
	case errors.Is(err, orchestrator.ErrUnknownRequest):
		httputil.WriteNotFound(w, resourceRequest, id)
		return
	case errors.Is(err, orchestrator.ErrAlreadyTerminal):
		httputil.WriteConflict(w, err.Error())
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "cancel failed", logging.RequestID(id), logging.Error(err))
		httputil.WriteInternalError(w)
		return
	}
	h.logger.InfoContext(r.Context(), "request cancelled via api", logging.RequestID(id))

	st, ok := h.svc.State(id)
	if !ok {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	httputil.WriteResource(w, http.StatusAccepted, resource(st))
}

func resource(st orchestrator.RequestStatus) httputil.Resource {
	return httputil.Resource{
		Type:       resourceRequest,
		ID:         st.Request.ID,
		Attributes: st,
		Links:      map[string]string{"self": "/api/v1/requests/" + st.Request.ID},
	}
}
