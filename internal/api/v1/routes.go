// Package v1 provides the REST API handlers for worklist access.
package v1

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openmwl/worklist-server/internal/store"
	"github.com/openmwl/worklist-server/internal/sync"
	"github.com/openmwl/worklist-server/internal/worklist"
)

// WorklistStore is the persistence surface the handlers need. It is
// satisfied by *store.Queries.
type WorklistStore interface {
	ListEntries(ctx context.Context) ([]worklist.Entry, error)
	ListEntriesByStatus(ctx context.Context, status worklist.Status) ([]worklist.Entry, error)
	ListEntriesByStatuses(ctx context.Context, statuses []worklist.Status) ([]worklist.Entry, error)
	GetEntryByStudyUID(ctx context.Context, studyUID string) (worklist.Entry, error)
	GetEntryByPatientID(ctx context.Context, patientID string) (worklist.Entry, error)
	InsertEntry(ctx context.Context, e worklist.Entry) error
	UpdateEntrySync(ctx context.Context, e worklist.Entry) error
	TransitionStatus(ctx context.Context, studyUID string, next worklist.Status) error
	DeleteEntryByPatientID(ctx context.Context, patientID string) error
	CountEntriesByStatus(ctx context.Context) (map[worklist.Status]int64, error)
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusChangeRequest is the body of a status transition request.
type StatusChangeRequest struct {
	Status string `json:"status"`
}

// EntryListResponse wraps a worklist listing.
type EntryListResponse struct {
	Entries []worklist.Entry `json:"entries"`
	Total   int              `json:"total"`
}

// StatsResponse reports entry counts per status.
type StatsResponse struct {
	Counts map[string]int64 `json:"counts"`
}

// Routes defines the routes for the worklist API with dependency injection
type Routes struct {
	store   WorklistStore
	tracker *sync.Tracker
	logger  *zap.Logger
}

// NewRoutes creates a new Routes instance with the provided store and tracker
func NewRoutes(s WorklistStore, tracker *sync.Tracker, logger *zap.Logger) *Routes {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Routes{
		store:   s,
		tracker: tracker,
		logger:  logger,
	}
}

// Router creates a new router for the worklist API
func Router(s WorklistStore, tracker *sync.Tracker, logger *zap.Logger) http.Handler {
	routes := NewRoutes(s, tracker, logger)

	r := chi.NewRouter()

	r.Get("/worklist", routes.listEntries)
	r.Get("/worklist/stats", routes.getStats)
	r.Get("/worklist/{studyUID}", routes.getEntry)
	r.Post("/worklist/{studyUID}/status", routes.changeStatus)

	r.Post("/entries", routes.createEntry)
	r.Get("/entries/{patientID}", routes.getEntryByPatientID)
	r.Put("/entries/{patientID}", routes.updateEntry)
	r.Delete("/entries/{patientID}", routes.deleteEntry)

	r.Get("/sources/status", routes.getSourceStatus)

	return r
}

// listEntries handles GET /api/v1/worklist with an optional status filter.
func (rr *Routes) listEntries(w http.ResponseWriter, r *http.Request) {
	var (
		entries []worklist.Entry
		err     error
	)

	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses := make([]worklist.Status, 0, 2)
		for _, part := range strings.Split(raw, ",") {
			status := worklist.Status(part)
			if !status.Valid() {
				rr.writeErrorResponse(w, "invalid status filter: "+part, http.StatusBadRequest)
				return
			}
			statuses = append(statuses, status)
		}
		if len(statuses) == 1 {
			entries, err = rr.store.ListEntriesByStatus(r.Context(), statuses[0])
		} else {
			entries, err = rr.store.ListEntriesByStatuses(r.Context(), statuses)
		}
	} else {
		entries, err = rr.store.ListEntries(r.Context())
	}
	if err != nil {
		rr.logger.Error("failed to list worklist entries", zap.Error(err))
		rr.writeErrorResponse(w, "failed to list worklist entries", http.StatusInternalServerError)
		return
	}

	if entries == nil {
		entries = []worklist.Entry{}
	}
	rr.writeJSONResponse(w, EntryListResponse{Entries: entries, Total: len(entries)}, http.StatusOK)
}

// getStats handles GET /api/v1/worklist/stats.
func (rr *Routes) getStats(w http.ResponseWriter, r *http.Request) {
	counts, err := rr.store.CountEntriesByStatus(r.Context())
	if err != nil {
		rr.logger.Error("failed to count worklist entries", zap.Error(err))
		rr.writeErrorResponse(w, "failed to count worklist entries", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{Counts: make(map[string]int64, len(counts))}
	for status, count := range counts {
		resp.Counts[string(status)] = count
	}
	rr.writeJSONResponse(w, resp, http.StatusOK)
}

// getEntry handles GET /api/v1/worklist/{studyUID}.
func (rr *Routes) getEntry(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")

	entry, err := rr.store.GetEntryByStudyUID(r.Context(), studyUID)
	if errors.Is(err, store.ErrNotFound) {
		rr.writeErrorResponse(w, "entry not found", http.StatusNotFound)
		return
	}
	if err != nil {
		rr.logger.Error("failed to get worklist entry", zap.String("study_uid", studyUID), zap.Error(err))
		rr.writeErrorResponse(w, "failed to get worklist entry", http.StatusInternalServerError)
		return
	}

	rr.writeJSONResponse(w, entry, http.StatusOK)
}

// changeStatus handles POST /api/v1/worklist/{studyUID}/status. It enforces
// the forward-only status lifecycle.
func (rr *Routes) changeStatus(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")

	var req StatusChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	next := worklist.Status(req.Status)
	if !next.Valid() {
		rr.writeErrorResponse(w, "invalid status: "+req.Status, http.StatusBadRequest)
		return
	}

	err := rr.store.TransitionStatus(r.Context(), studyUID, next)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rr.writeErrorResponse(w, "entry not found", http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidTransition):
		rr.writeErrorResponse(w, err.Error(), http.StatusConflict)
	case err != nil:
		rr.logger.Error("failed to change entry status",
			zap.String("study_uid", studyUID),
			zap.String("status", req.Status),
			zap.Error(err))
		rr.writeErrorResponse(w, "failed to change entry status", http.StatusInternalServerError)
	default:
		entry, err := rr.store.GetEntryByStudyUID(r.Context(), studyUID)
		if err != nil {
			rr.logger.Error("failed to reload entry after status change",
				zap.String("study_uid", studyUID), zap.Error(err))
			rr.writeErrorResponse(w, "failed to reload entry", http.StatusInternalServerError)
			return
		}
		rr.writeJSONResponse(w, entry, http.StatusOK)
	}
}

// createEntry handles POST /api/v1/entries for manually added entries.
func (rr *Routes) createEntry(w http.ResponseWriter, r *http.Request) {
	var entry worklist.Entry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		rr.writeErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if entry.Status == "" {
		entry.Status = worklist.StatusScheduled
	}
	if entry.StudyInstanceUID == "" {
		entry.StudyInstanceUID = worklist.NewStudyInstanceUID()
	}
	if entry.DataSource == "" {
		entry.DataSource = "manual"
	}

	if err := entry.Validate(); err != nil {
		rr.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !entry.Status.Valid() {
		rr.writeErrorResponse(w, "invalid status: "+string(entry.Status), http.StatusBadRequest)
		return
	}

	if _, err := rr.store.GetEntryByPatientID(r.Context(), entry.PatientID); err == nil {
		rr.writeErrorResponse(w, "entry already exists for patient "+entry.PatientID, http.StatusConflict)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		rr.logger.Error("failed to check for existing entry", zap.Error(err))
		rr.writeErrorResponse(w, "failed to create entry", http.StatusInternalServerError)
		return
	}

	if err := rr.store.InsertEntry(r.Context(), entry); err != nil {
		rr.logger.Error("failed to create entry", zap.Error(err))
		rr.writeErrorResponse(w, "failed to create entry", http.StatusInternalServerError)
		return
	}

	rr.writeJSONResponse(w, entry, http.StatusCreated)
}

// getEntryByPatientID handles GET /api/v1/entries/{patientID}.
func (rr *Routes) getEntryByPatientID(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")

	entry, err := rr.store.GetEntryByPatientID(r.Context(), patientID)
	if errors.Is(err, store.ErrNotFound) {
		rr.writeErrorResponse(w, "entry not found", http.StatusNotFound)
		return
	}
	if err != nil {
		rr.logger.Error("failed to get entry", zap.String("patient_id", patientID), zap.Error(err))
		rr.writeErrorResponse(w, "failed to get entry", http.StatusInternalServerError)
		return
	}

	rr.writeJSONResponse(w, entry, http.StatusOK)
}

// updateEntry handles PUT /api/v1/entries/{patientID}. Scheduling fields are
// replaced; status and study UID stay under the lifecycle endpoint.
func (rr *Routes) updateEntry(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")

	var entry worklist.Entry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		rr.writeErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}
	entry.PatientID = patientID

	if err := entry.Validate(); err != nil {
		rr.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := rr.store.UpdateEntrySync(r.Context(), entry)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rr.writeErrorResponse(w, "entry not found", http.StatusNotFound)
	case err != nil:
		rr.logger.Error("failed to update entry", zap.String("patient_id", patientID), zap.Error(err))
		rr.writeErrorResponse(w, "failed to update entry", http.StatusInternalServerError)
	default:
		updated, err := rr.store.GetEntryByPatientID(r.Context(), patientID)
		if err != nil {
			rr.logger.Error("failed to reload entry after update",
				zap.String("patient_id", patientID), zap.Error(err))
			rr.writeErrorResponse(w, "failed to reload entry", http.StatusInternalServerError)
			return
		}
		rr.writeJSONResponse(w, updated, http.StatusOK)
	}
}

// deleteEntry handles DELETE /api/v1/entries/{patientID}.
func (rr *Routes) deleteEntry(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")

	err := rr.store.DeleteEntryByPatientID(r.Context(), patientID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rr.writeErrorResponse(w, "entry not found", http.StatusNotFound)
	case err != nil:
		rr.logger.Error("failed to delete entry", zap.String("patient_id", patientID), zap.Error(err))
		rr.writeErrorResponse(w, "failed to delete entry", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// getSourceStatus handles GET /api/v1/sources/status.
func (rr *Routes) getSourceStatus(w http.ResponseWriter, _ *http.Request) {
	if rr.tracker == nil {
		rr.writeJSONResponse(w, []sync.Status{}, http.StatusOK)
		return
	}
	rr.writeJSONResponse(w, rr.tracker.Snapshot(), http.StatusOK)
}

// writeJSONResponse writes a JSON response with the given data
func (rr *Routes) writeJSONResponse(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		rr.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

// writeErrorResponse writes a standardized error response
func (rr *Routes) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message}); err != nil {
		rr.logger.Error("failed to encode error response", zap.Error(err))
	}
}
