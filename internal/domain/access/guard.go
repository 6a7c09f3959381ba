package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	// ErrReviewNotesRequired is returned by Deny when no review notes are
	// supplied. A denial without an auditable reason is not recordable.
	ErrReviewNotesRequired = errors.New("review notes are required to deny an access request")
	// ErrGrantExpiryInPast is returned by Approve when the grant window
	// would already be expired at approval time.
	ErrGrantExpiryInPast = errors.New("access grant expiry must be in the future")
)

// Config holds guard configuration.
type Config struct {
	// StoreTimeout bounds each store lookup made by HasAccess. A timed-out
	// lookup is treated as a denial, never as a grant.
	StoreTimeout time.Duration
}

// DefaultConfig returns defaults suitable for interactive access checks.
func DefaultConfig() Config {
	return Config{StoreTimeout: 2 * time.Second}
}

// Guard answers whether a physician may act on a patient and manages the
// assignments and access requests that decide it. Access checks fail closed:
// any store failure or absence of a grant yields false.
type Guard struct {
	store  Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
}

// NewGuard creates an access control guard.
func NewGuard(store Store, cfg Config, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultConfig().StoreTimeout
	}
	return &Guard{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("access-guard"),
	}
}

// HasAccess reports whether the actor may act on the patient within the
// tenant. It never returns an error: absence of a grant, a store failure or
// a timeout all yield false.
func (g *Guard) HasAccess(ctx context.Context, actorID, patientID, tenantID string) bool {
	ctx, span := g.tracer.Start(ctx, "access_check",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.config.StoreTimeout)
	defer cancel()

	assignment, err := g.store.ActiveAssignment(ctx, tenantID, patientID, actorID)
	if err != nil {
		g.logger.Warn("assignment lookup failed, denying access",
			zap.String("tenant_id", tenantID),
			zap.String("actor_id", actorID),
			zap.Error(err))
		span.RecordError(err)
		return false
	}
	if assignment != nil {
		span.SetAttributes(attribute.String("grant", "assignment"))
		return true
	}

	request, err := g.store.ApprovedAccessRequest(ctx, tenantID, patientID, actorID)
	if err != nil {
		g.logger.Warn("access request lookup failed, denying access",
			zap.String("tenant_id", tenantID),
			zap.String("actor_id", actorID),
			zap.Error(err))
		span.RecordError(err)
		return false
	}
	if request.GrantsAccessAt(time.Now().UTC()) {
		span.SetAttributes(attribute.String("grant", "approved_request"))
		return true
	}

	span.SetAttributes(attribute.String("grant", "none"))
	return false
}

// AssignInput describes a new physician-to-patient assignment.
type AssignInput struct {
	PatientID   string
	PhysicianID string
	TenantID    string
	Type        AssignmentType
	AssignedBy  string
	ExpiresAt   *time.Time
	Notes       string
}

// Assign binds a physician to a patient. Prior assignments stay active:
// a patient may have a primary and consulting physician at the same time.
func (g *Guard) Assign(ctx context.Context, in AssignInput) (*Assignment, error) {
	assignment := &Assignment{
		ID:          uuid.New().String(),
		TenantID:    in.TenantID,
		PatientID:   in.PatientID,
		PhysicianID: in.PhysicianID,
		Type:        in.Type,
		AssignedBy:  in.AssignedBy,
		AssignedAt:  time.Now().UTC(),
		ExpiresAt:   in.ExpiresAt,
		Active:      true,
		Notes:       in.Notes,
	}
	if err := g.store.CreateAssignment(ctx, assignment); err != nil {
		return nil, fmt.Errorf("create assignment: %w", err)
	}

	g.logger.Info("patient assigned",
		zap.String("tenant_id", in.TenantID),
		zap.String("physician_id", in.PhysicianID),
		zap.String("assignment_type", string(in.Type)))
	return assignment, nil
}

// RequestInput describes a new access request.
type RequestInput struct {
	PatientID             string
	TenantID              string
	RequestingPhysicianID string
	TargetPhysicianID     string
	RequestType           string
	Reason                string
	Urgency               string
}

// RequestAccess opens a pending access request for an unassigned physician.
func (g *Guard) RequestAccess(ctx context.Context, in RequestInput) (*AccessRequest, error) {
	request := &AccessRequest{
		ID:                    uuid.New().String(),
		TenantID:              in.TenantID,
		PatientID:             in.PatientID,
		RequestingPhysicianID: in.RequestingPhysicianID,
		TargetPhysicianID:     in.TargetPhysicianID,
		RequestType:           in.RequestType,
		Reason:                in.Reason,
		Urgency:               in.Urgency,
		Status:                RequestPending,
		RequestedAt:           time.Now().UTC(),
	}
	if err := g.store.CreateAccessRequest(ctx, request); err != nil {
		return nil, fmt.Errorf("create access request: %w", err)
	}

	g.logger.Info("access requested",
		zap.String("tenant_id", in.TenantID),
		zap.String("requesting_physician_id", in.RequestingPhysicianID),
		zap.String("urgency", in.Urgency))
	return request, nil
}

// Approve grants a pending request, optionally time-bounding the grant.
// Returns (nil, nil) when the request is missing, already reviewed, or
// belongs to another tenant; concurrent reviewers are expected and the loser
// of the race is a silent no-op.
func (g *Guard) Approve(ctx context.Context, requestID, tenantID, reviewedBy string, accessUntil *time.Time) (*AccessRequest, error) {
	now := time.Now().UTC()
	if accessUntil != nil && !accessUntil.After(now) {
		return nil, ErrGrantExpiryInPast
	}

	updated, err := g.store.ReviewAccessRequest(ctx, tenantID, requestID, Review{
		Status:             RequestApproved,
		ReviewedBy:         reviewedBy,
		ReviewedAt:         now,
		AccessGrantedUntil: accessUntil,
	})
	if err != nil {
		return nil, fmt.Errorf("approve access request: %w", err)
	}
	if updated == nil {
		g.logger.Info("approval was a no-op",
			zap.String("tenant_id", tenantID),
			zap.String("request_id", requestID))
		return nil, nil
	}

	g.logger.Info("access request approved",
		zap.String("tenant_id", tenantID),
		zap.String("request_id", requestID),
		zap.String("reviewed_by", reviewedBy))
	return updated, nil
}

// Deny rejects a pending request. Review notes are mandatory so every denial
// carries an auditable reason. Returns (nil, nil) under the same no-op
// conditions as Approve.
func (g *Guard) Deny(ctx context.Context, requestID, tenantID, reviewedBy, reviewNotes string) (*AccessRequest, error) {
	if reviewNotes == "" {
		return nil, ErrReviewNotesRequired
	}

	updated, err := g.store.ReviewAccessRequest(ctx, tenantID, requestID, Review{
		Status:      RequestDenied,
		ReviewedBy:  reviewedBy,
		ReviewedAt:  time.Now().UTC(),
		ReviewNotes: reviewNotes,
	})
	if err != nil {
		return nil, fmt.Errorf("deny access request: %w", err)
	}
	if updated == nil {
		return nil, nil
	}

	g.logger.Info("access request denied",
		zap.String("tenant_id", tenantID),
		zap.String("request_id", requestID),
		zap.String("reviewed_by", reviewedBy))
	return updated, nil
}

// Revoke soft-deactivates an assignment. Returns false when no active row
// matched; a repeated revoke is a no-op, not an error.
func (g *Guard) Revoke(ctx context.Context, assignmentID, tenantID string) (bool, error) {
	revoked, err := g.store.DeactivateAssignment(ctx, tenantID, assignmentID)
	if err != nil {
		return false, fmt.Errorf("revoke assignment: %w", err)
	}
	if revoked {
		g.logger.Info("assignment revoked",
			zap.String("tenant_id", tenantID),
			zap.String("assignment_id", assignmentID))
	}
	return revoked, nil
}
