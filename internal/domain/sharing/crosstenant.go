// Package sharing provides the audited cross-tenant read path: a pharmacy or
// laboratory tenant reading another tenant's patient data.
package sharing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medgrid/safecore/internal/domain/audit"
	"github.com/medgrid/safecore/internal/domain/clinical"
)

// Justification categorizes why one tenant reads another tenant's data.
type Justification string

const (
	JustificationBilling          Justification = "billing"
	JustificationLabHistory       Justification = "lab_history"
	JustificationContinuityOfCare Justification = "continuity_of_care"
)

// AccessContext names the requesting tenant, the tenant that owns the data,
// the acting user and the justification category. Every field is mandatory.
type AccessContext struct {
	RequestingTenant string        `json:"requesting_tenant"`
	TargetTenant     string        `json:"target_tenant"`
	ActorID          string        `json:"actor_id"`
	Justification    Justification `json:"justification"`
}

// ErrIncompleteAccessContext rejects a cross-tenant read whose access
// context is not fully populated. There is no default-open path.
var ErrIncompleteAccessContext = errors.New("cross-tenant access context must name requesting tenant, target tenant, actor and justification")

func (ac AccessContext) validate() error {
	if ac.RequestingTenant == "" || ac.TargetTenant == "" || ac.ActorID == "" || ac.Justification == "" {
		return ErrIncompleteAccessContext
	}
	return nil
}

// Reader serves cross-tenant patient reads. Every read is audited
// synchronously before any data is returned, so a caller that crashes right
// after the read still leaves an audit entry behind.
type Reader struct {
	records clinical.RecordGateway
	sink    audit.Sink
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewReader creates a cross-tenant reader.
func NewReader(records clinical.RecordGateway, sink audit.Sink, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{
		records: records,
		sink:    sink,
		logger:  logger,
		tracer:  otel.Tracer("cross-tenant-reader"),
	}
}

// Allergies reads a patient's allergy list from the target tenant.
func (r *Reader) Allergies(ctx context.Context, ac AccessContext, patientID string) ([]clinical.Allergy, error) {
	if err := r.audited(ctx, ac, patientID, "allergies"); err != nil {
		return nil, err
	}
	allergies, err := r.records.Allergies(ctx, patientID, ac.TargetTenant)
	if err != nil {
		return nil, fmt.Errorf("cross-tenant allergy read: %w", err)
	}
	return allergies, nil
}

// Prescriptions reads a patient's prescription list from the target tenant.
func (r *Reader) Prescriptions(ctx context.Context, ac AccessContext, patientID string) ([]clinical.Prescription, error) {
	if err := r.audited(ctx, ac, patientID, "prescriptions"); err != nil {
		return nil, err
	}
	prescriptions, err := r.records.ActivePrescriptions(ctx, patientID, ac.TargetTenant)
	if err != nil {
		return nil, fmt.Errorf("cross-tenant prescription read: %w", err)
	}
	return prescriptions, nil
}

// audited validates the access context and writes the audit entry. The write
// is synchronous and must complete before any data is fetched.
func (r *Reader) audited(ctx context.Context, ac AccessContext, patientID, resource string) error {
	if err := ac.validate(); err != nil {
		return err
	}

	ctx, span := r.tracer.Start(ctx, "cross_tenant_read",
		trace.WithAttributes(
			attribute.String("requesting_tenant", ac.RequestingTenant),
			attribute.String("target_tenant", ac.TargetTenant),
			attribute.String("resource", resource),
		))
	defer span.End()

	payload, _ := json.Marshal(map[string]string{
		"target_tenant": ac.TargetTenant,
		"justification": string(ac.Justification),
		"resource":      resource,
	})
	err := r.sink.Append(ctx, audit.Entry{
		TenantID:  ac.RequestingTenant,
		PatientID: patientID,
		ActorID:   ac.ActorID,
		Kind:      audit.KindCrossTenantRead,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		r.logger.Error("cross-tenant audit write failed, refusing read",
			zap.String("requesting_tenant", ac.RequestingTenant),
			zap.String("target_tenant", ac.TargetTenant),
			zap.Error(err))
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}
