package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/conflict"
)

// eventBuffer bounds the events queued for one slow stream client. Events
// past it are dropped for that client.
const eventBuffer = 64

// Router returns the control API handler.
func Router(svc Service, trigger Trigger) http.Handler {
	r := chi.NewRouter()
	routes := &Routes{service: svc, trigger: trigger}

	r.Get("/status", routes.getStatus)
	r.Post("/sync", routes.syncNow)
	r.Get("/conflicts", routes.listConflicts)
	r.Get("/conflicts/{conflictID}", routes.getConflict)
	r.Post("/conflicts/{conflictID}/resolve", routes.resolveConflict)
	r.Get("/events", routes.streamEvents)

	return r
}

// Routes holds dependencies for the control handlers.
type Routes struct {
	service Service
	trigger Trigger
}

// ConflictListResponse is the body of GET /conflicts.
type ConflictListResponse struct {
	Conflicts []*conflict.DataConflict `json:"conflicts"`
	Count     int                      `json:"count"`
}

// ResolveRequest is the body of POST /conflicts/{conflictID}/resolve.
// Resolution is either a candidate id or a resolution type such as
// keep_local.
type ResolveRequest struct {
	Resolution string `json:"resolution"`
}

// ResolveResponse reports the record produced by a manual resolution.
type ResolveResponse struct {
	ConflictID   string          `json:"conflict_id"`
	ResolutionID string          `json:"resolution_id"`
	Record       conflict.Record `json:"record"`
}

// getStatus handles GET /status
func (routes *Routes) getStatus(w http.ResponseWriter, r *http.Request) {
	status, err := routes.service.Status(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, status, http.StatusOK)
}

// syncNow handles POST /sync
func (routes *Routes) syncNow(w http.ResponseWriter, r *http.Request) {
	if routes.trigger == nil {
		writeErrorResponse(w, "sync trigger is not configured", http.StatusServiceUnavailable)
		return
	}
	res, err := routes.trigger.SyncNow(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, res, http.StatusOK)
}

// listConflicts handles GET /conflicts
func (routes *Routes) listConflicts(w http.ResponseWriter, _ *http.Request) {
	pending := routes.service.PendingConflicts()
	if pending == nil {
		pending = []*conflict.DataConflict{}
	}
	writeJSONResponse(w, ConflictListResponse{Conflicts: pending, Count: len(pending)}, http.StatusOK)
}

// getConflict handles GET /conflicts/{conflictID}
func (routes *Routes) getConflict(w http.ResponseWriter, r *http.Request) {
	id, err := urlParam(r, "conflictID")
	if err != nil {
		writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	c := routes.findPending(id)
	if c == nil {
		writeErrorResponse(w, fmt.Sprintf("conflict %s is not pending", id), http.StatusNotFound)
		return
	}
	writeJSONResponse(w, c, http.StatusOK)
}

// resolveConflict handles POST /conflicts/{conflictID}/resolve
func (routes *Routes) resolveConflict(w http.ResponseWriter, r *http.Request) {
	id, err := urlParam(r, "conflictID")
	if err != nil {
		writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}
	choice := strings.TrimSpace(req.Resolution)
	if choice == "" {
		writeErrorResponse(w, "resolution is required", http.StatusBadRequest)
		return
	}

	resolutionID := choice
	if c := routes.findPending(id); c != nil {
		for _, res := range c.Resolutions {
			if string(res.Type) == choice {
				resolutionID = res.ID
				break
			}
		}
	}

	record, err := routes.service.ApplyResolution(r.Context(), id, resolutionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	logging.Info("Conflict resolved manually", map[string]interface{}{
		"conflict_id":   id,
		"resolution_id": resolutionID,
	})
	writeJSONResponse(w, ResolveResponse{ConflictID: id, ResolutionID: resolutionID, Record: record}, http.StatusOK)
}

// streamEvents handles GET /events as a server-sent event stream.
func (routes *Routes) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, "streaming is not supported", http.StatusInternalServerError)
		return
	}

	events := make(chan syncpkg.Event, eventBuffer)
	id := routes.service.Subscribe(func(ev syncpkg.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer routes.service.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				logging.Error("Failed to encode event", err, map[string]interface{}{"type": string(ev.Type)})
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (routes *Routes) findPending(id string) *conflict.DataConflict {
	for _, c := range routes.service.PendingConflicts() {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func urlParam(r *http.Request, name string) (string, error) {
	decoded, err := url.PathUnescape(chi.URLParam(r, name))
	if err != nil {
		return "", fmt.Errorf("invalid URL encoding in %s", name)
	}
	if strings.TrimSpace(decoded) == "" {
		return "", fmt.Errorf("%s cannot be empty", name)
	}
	return decoded, nil
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrNotFound:
		writeErrorResponse(w, err.Error(), http.StatusNotFound)
	case apperrors.ErrValidation:
		writeErrorResponse(w, err.Error(), http.StatusBadRequest)
	case apperrors.ErrSyncInProgress:
		writeErrorResponse(w, err.Error(), http.StatusConflict)
	default:
		logging.Error("Control request failed", err, nil)
		writeErrorResponse(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSONResponse(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	writeJSONResponse(w, map[string]string{"error": message}, statusCode)
}
