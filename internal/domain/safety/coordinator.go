// Package safety orchestrates the access guard and the clinical rule engine
// for the propose-prescription use case.
package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medgrid/safecore/internal/domain/audit"
	"github.com/medgrid/safecore/internal/domain/clinical"
)

// AccessChecker decides whether an actor may act on a patient.
type AccessChecker interface {
	HasAccess(ctx context.Context, actorID, patientID, tenantID string) bool
}

// Evaluator screens a proposed prescription.
type Evaluator interface {
	Evaluate(ctx context.Context, p clinical.Proposal) clinical.CheckResult
}

// ProposeInput describes one propose-prescription call.
type ProposeInput struct {
	ActorID        string   `json:"actor_id"`
	PatientID      string   `json:"patient_id"`
	TenantID       string   `json:"tenant_id"`
	PrescriptionID string   `json:"prescription_id,omitempty"`
	DrugName       string   `json:"drug_name"`
	Dosage         string   `json:"dosage"`
	Frequency      string   `json:"frequency,omitempty"`
	Conditions     []string `json:"conditions,omitempty"`
}

// Decision is the coordinator's verdict. Allowed is false when access was
// denied or when the evaluation raised a critical alert.
type Decision struct {
	Allowed bool                 `json:"allowed"`
	Result  clinical.CheckResult `json:"result"`
}

// Coordinator runs the access check, the clinical evaluation and the audit
// writes for a single proposal. Audit failures are the one loud failure path:
// an unrecorded clinical alert is worse than a failed prescription attempt.
type Coordinator struct {
	guard  AccessChecker
	engine Evaluator
	sink   audit.Sink
	logger *zap.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a safety decision coordinator.
func NewCoordinator(guard AccessChecker, engine Evaluator, sink audit.Sink, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		guard:  guard,
		engine: engine,
		sink:   sink,
		logger: logger,
		tracer: otel.Tracer("safety-coordinator"),
	}
}

// ProposePrescription screens one proposal. The access decision comes first
// and is audited before any clinical computation, so a denied actor never
// learns patient facts through alert content. The returned error is non-nil
// only when an audit write failed.
func (c *Coordinator) ProposePrescription(ctx context.Context, in ProposeInput) (Decision, error) {
	ctx, span := c.tracer.Start(ctx, "propose_prescription",
		trace.WithAttributes(
			attribute.String("tenant_id", in.TenantID),
			attribute.String("drug_name", in.DrugName),
		))
	defer span.End()

	decisionPayload, _ := json.Marshal(map[string]string{
		"drug_name": in.DrugName,
		"dosage":    in.Dosage,
	})

	if !c.guard.HasAccess(ctx, in.ActorID, in.PatientID, in.TenantID) {
		span.SetAttributes(attribute.Bool("access_granted", false))
		if err := c.append(ctx, in, audit.KindAccessDenied, decisionPayload); err != nil {
			return Decision{}, err
		}
		c.logger.Info("prescription proposal denied",
			zap.String("tenant_id", in.TenantID),
			zap.String("actor_id", in.ActorID))
		return Decision{Allowed: false, Result: clinical.EmptyResult()}, nil
	}

	if err := c.append(ctx, in, audit.KindAccessGranted, decisionPayload); err != nil {
		return Decision{}, err
	}

	result := c.engine.Evaluate(ctx, clinical.Proposal{
		PatientID:      in.PatientID,
		TenantID:       in.TenantID,
		PrescriptionID: in.PrescriptionID,
		DrugName:       in.DrugName,
		Dosage:         in.Dosage,
		Frequency:      in.Frequency,
		Conditions:     in.Conditions,
	})

	// Alerts are persisted only after the full evaluation completes; a
	// partially evaluated proposal never leaves partial audit state.
	for i := range result.Alerts {
		result.Alerts[i].TriggeredBy = in.ActorID
		payload, err := json.Marshal(result.Alerts[i])
		if err != nil {
			return Decision{}, fmt.Errorf("encode alert: %w", err)
		}
		if err := c.append(ctx, in, audit.KindClinicalAlert, payload); err != nil {
			return Decision{}, err
		}
	}

	span.SetAttributes(
		attribute.Int("alert_count", len(result.Alerts)),
		attribute.String("severity", string(result.Severity)),
		attribute.Bool("can_proceed", result.CanProceed),
	)

	if !result.CanProceed {
		c.logger.Warn("prescription proposal blocked by critical alert",
			zap.String("tenant_id", in.TenantID),
			zap.String("drug_name", in.DrugName),
			zap.Int("alert_count", len(result.Alerts)))
	}

	return Decision{Allowed: result.CanProceed, Result: result}, nil
}

func (c *Coordinator) append(ctx context.Context, in ProposeInput, kind audit.Kind, payload json.RawMessage) error {
	err := c.sink.Append(ctx, audit.Entry{
		TenantID:  in.TenantID,
		PatientID: in.PatientID,
		ActorID:   in.ActorID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		c.logger.Error("audit write failed",
			zap.String("tenant_id", in.TenantID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}
