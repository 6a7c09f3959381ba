// Package handlers provides HTTP handlers for the safety API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medgrid/safecore/internal/api/middleware"
	"github.com/medgrid/safecore/internal/domain/access"
	"github.com/medgrid/safecore/internal/observability/metrics"
)

// AccessHandler handles assignment and access request endpoints.
type AccessHandler struct {
	guard   *access.Guard
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewAccessHandler creates a new handler.
func NewAccessHandler(guard *access.Guard, m *metrics.Metrics, logger *zap.Logger) *AccessHandler {
	return &AccessHandler{guard: guard, metrics: m, logger: logger}
}

// Routes returns the handler routes.
func (h *AccessHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/assignments", h.Assign)
	r.Delete("/assignments/{id}", h.Revoke)
	r.Post("/requests", h.RequestAccess)
	r.Post("/requests/{id}/approve", h.Approve)
	r.Post("/requests/{id}/deny", h.Deny)
	r.Get("/check", h.Check)
	return r
}

// AssignRequest is the request body for creating an assignment.
type AssignRequest struct {
	PatientID   string     `json:"patient_id"`
	PhysicianID string     `json:"physician_id"`
	Type        string     `json:"assignment_type"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

// Assign handles POST /access/assignments.
func (h *AccessHandler) Assign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PatientID == "" || req.PhysicianID == "" {
		h.jsonError(w, "patient_id and physician_id are required", http.StatusBadRequest)
		return
	}

	assignment, err := h.guard.Assign(ctx, access.AssignInput{
		PatientID:   req.PatientID,
		PhysicianID: req.PhysicianID,
		TenantID:    middleware.GetTenantID(ctx),
		Type:        access.AssignmentType(req.Type),
		AssignedBy:  middleware.GetActorID(ctx),
		ExpiresAt:   req.ExpiresAt,
		Notes:       req.Notes,
	})
	if err != nil {
		h.logger.Error("assignment failed", zap.Error(err))
		h.jsonError(w, "failed to create assignment", http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, http.StatusCreated, assignment)
}

// Revoke handles DELETE /access/assignments/{id}.
func (h *AccessHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	assignmentID := chi.URLParam(r, "id")

	revoked, err := h.guard.Revoke(ctx, assignmentID, middleware.GetTenantID(ctx))
	if err != nil {
		h.logger.Error("revoke failed", zap.Error(err))
		h.jsonError(w, "failed to revoke assignment", http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]bool{"revoked": revoked})
}

// AccessRequestBody is the request body for opening an access request.
type AccessRequestBody struct {
	PatientID         string `json:"patient_id"`
	TargetPhysicianID string `json:"target_physician_id,omitempty"`
	RequestType       string `json:"request_type,omitempty"`
	Reason            string `json:"reason"`
	Urgency           string `json:"urgency,omitempty"`
}

// RequestAccess handles POST /access/requests.
func (h *AccessHandler) RequestAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AccessRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PatientID == "" || req.Reason == "" {
		h.jsonError(w, "patient_id and reason are required", http.StatusBadRequest)
		return
	}

	request, err := h.guard.RequestAccess(ctx, access.RequestInput{
		PatientID:             req.PatientID,
		TenantID:              middleware.GetTenantID(ctx),
		RequestingPhysicianID: middleware.GetActorID(ctx),
		TargetPhysicianID:     req.TargetPhysicianID,
		RequestType:           req.RequestType,
		Reason:                req.Reason,
		Urgency:               req.Urgency,
	})
	if err != nil {
		h.logger.Error("access request failed", zap.Error(err))
		h.jsonError(w, "failed to create access request", http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, http.StatusCreated, request)
}

// ReviewRequest is the request body for approving or denying a request.
type ReviewRequest struct {
	AccessGrantedUntil *time.Time `json:"access_granted_until,omitempty"`
	ReviewNotes        string     `json:"review_notes,omitempty"`
}

// Approve handles POST /access/requests/{id}/approve.
func (h *AccessHandler) Approve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi.URLParam(r, "id")

	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := h.guard.Approve(ctx, requestID, middleware.GetTenantID(ctx),
		middleware.GetActorID(ctx), req.AccessGrantedUntil)
	if err != nil {
		if errors.Is(err, access.ErrGrantExpiryInPast) {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("approve failed", zap.Error(err))
		h.jsonError(w, "failed to approve access request", http.StatusInternalServerError)
		return
	}
	if updated == nil {
		// Already reviewed or unknown within this tenant.
		h.jsonError(w, "access request is not pending", http.StatusConflict)
		return
	}

	h.respondJSON(w, http.StatusOK, updated)
}

// Deny handles POST /access/requests/{id}/deny.
func (h *AccessHandler) Deny(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi.URLParam(r, "id")

	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := h.guard.Deny(ctx, requestID, middleware.GetTenantID(ctx),
		middleware.GetActorID(ctx), req.ReviewNotes)
	if err != nil {
		if errors.Is(err, access.ErrReviewNotesRequired) {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("deny failed", zap.Error(err))
		h.jsonError(w, "failed to deny access request", http.StatusInternalServerError)
		return
	}
	if updated == nil {
		h.jsonError(w, "access request is not pending", http.StatusConflict)
		return
	}

	h.respondJSON(w, http.StatusOK, updated)
}

// Check handles GET /access/check?patient_id=...&physician_id=...
func (h *AccessHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	patientID := r.URL.Query().Get("patient_id")
	physicianID := r.URL.Query().Get("physician_id")
	if physicianID == "" {
		physicianID = middleware.GetActorID(ctx)
	}
	if patientID == "" {
		h.jsonError(w, "patient_id is required", http.StatusBadRequest)
		return
	}

	granted := h.guard.HasAccess(ctx, physicianID, patientID, middleware.GetTenantID(ctx))

	outcome := "denied"
	if granted {
		outcome = "granted"
	}
	h.metrics.AccessChecks.WithLabelValues(outcome).Inc()

	h.respondJSON(w, http.StatusOK, map[string]bool{"has_access": granted})
}

func (h *AccessHandler) respondJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *AccessHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
