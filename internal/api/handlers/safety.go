package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medgrid/safecore/internal/api/middleware"
	"github.com/medgrid/safecore/internal/domain/safety"
	"github.com/medgrid/safecore/internal/domain/sharing"
	"github.com/medgrid/safecore/internal/observability/metrics"
	"github.com/medgrid/safecore/pkg/idempotency"
)

// SafetyHandler handles prescription proposal and cross-tenant read endpoints.
type SafetyHandler struct {
	coordinator *safety.Coordinator
	reader      *sharing.Reader
	inbox       *idempotency.Inbox
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewSafetyHandler creates a new handler. The inbox may be nil, in which case
// duplicate proposals are evaluated independently.
func NewSafetyHandler(coordinator *safety.Coordinator, reader *sharing.Reader, inbox *idempotency.Inbox, m *metrics.Metrics, logger *zap.Logger) *SafetyHandler {
	return &SafetyHandler{
		coordinator: coordinator,
		reader:      reader,
		inbox:       inbox,
		metrics:     m,
		logger:      logger,
	}
}

// Routes returns the handler routes.
func (h *SafetyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/proposals", h.Propose)
	r.Get("/shared/{tenant}/patients/{id}/allergies", h.SharedAllergies)
	r.Get("/shared/{tenant}/patients/{id}/prescriptions", h.SharedPrescriptions)
	return r
}

// ProposeRequest is the request body for screening a prescription proposal.
type ProposeRequest struct {
	PatientID      string   `json:"patient_id"`
	PrescriptionID string   `json:"prescription_id,omitempty"`
	DrugName       string   `json:"drug_name"`
	Dosage         string   `json:"dosage"`
	Frequency      string   `json:"frequency,omitempty"`
	Conditions     []string `json:"conditions,omitempty"`
}

// Propose handles POST /safety/proposals.
func (h *SafetyHandler) Propose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ProposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PatientID == "" || req.DrugName == "" || req.Dosage == "" {
		h.jsonError(w, "patient_id, drug_name and dosage are required", http.StatusBadRequest)
		return
	}

	in := safety.ProposeInput{
		ActorID:        middleware.GetActorID(ctx),
		PatientID:      req.PatientID,
		TenantID:       middleware.GetTenantID(ctx),
		PrescriptionID: req.PrescriptionID,
		DrugName:       req.DrugName,
		Dosage:         req.Dosage,
		Frequency:      req.Frequency,
		Conditions:     req.Conditions,
	}

	start := time.Now()
	decision, err := h.propose(ctx, in)
	if err != nil {
		if errors.Is(err, idempotency.ErrInProgress) {
			h.jsonError(w, "proposal is already being evaluated", http.StatusConflict)
			return
		}
		h.logger.Error("proposal screening failed", zap.Error(err))
		h.jsonError(w, "failed to screen proposal", http.StatusInternalServerError)
		return
	}
	h.metrics.EvaluationDuration.Observe(time.Since(start).Seconds())

	h.metrics.ProposalsEvaluated.Inc()
	if !decision.Allowed {
		h.metrics.ProposalsBlocked.Inc()
	}
	for _, alert := range decision.Result.Alerts {
		h.metrics.AlertsRaised.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
	}

	h.respondJSON(w, http.StatusOK, decision)
}

// propose runs the coordinator, deduplicated through the inbox when present.
func (h *SafetyHandler) propose(ctx context.Context, in safety.ProposeInput) (safety.Decision, error) {
	if h.inbox == nil {
		return h.coordinator.ProposePrescription(ctx, in)
	}

	key := idempotency.GenerateKey(in.ActorID, in.PatientID, in.DrugName, time.Now())
	result, err := h.inbox.Execute(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		decision, err := h.coordinator.ProposePrescription(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(decision)
	})
	if err != nil {
		return safety.Decision{}, err
	}

	var decision safety.Decision
	if err := json.Unmarshal(result.Decision, &decision); err != nil {
		return safety.Decision{}, err
	}
	return decision, nil
}

// SharedAllergies handles GET /safety/shared/{tenant}/patients/{id}/allergies.
func (h *SafetyHandler) SharedAllergies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	allergies, err := h.reader.Allergies(ctx, h.accessContext(r), chi.URLParam(r, "id"))
	if err != nil {
		h.sharedReadError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, allergies)
}

// SharedPrescriptions handles GET /safety/shared/{tenant}/patients/{id}/prescriptions.
func (h *SafetyHandler) SharedPrescriptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	prescriptions, err := h.reader.Prescriptions(ctx, h.accessContext(r), chi.URLParam(r, "id"))
	if err != nil {
		h.sharedReadError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, prescriptions)
}

func (h *SafetyHandler) accessContext(r *http.Request) sharing.AccessContext {
	ctx := r.Context()
	return sharing.AccessContext{
		RequestingTenant: middleware.GetTenantID(ctx),
		TargetTenant:     chi.URLParam(r, "tenant"),
		ActorID:          middleware.GetActorID(ctx),
		Justification:    sharing.Justification(r.URL.Query().Get("justification")),
	}
}

func (h *SafetyHandler) sharedReadError(w http.ResponseWriter, err error) {
	if errors.Is(err, sharing.ErrIncompleteAccessContext) {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.logger.Error("cross-tenant read failed", zap.Error(err))
	h.jsonError(w, "failed to read shared records", http.StatusInternalServerError)
}

func (h *SafetyHandler) respondJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *SafetyHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
