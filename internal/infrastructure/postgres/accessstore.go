// Package postgres provides PostgreSQL persistence for the access control
// guard, the rule catalog and the audit log.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medgrid/safecore/internal/domain/access"
)

// AccessStore implements access.Store and access.PlatformStore over
// Postgres. Assignments are soft-deleted only; no operation here deletes a
// row.
type AccessStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewAccessStore creates an access store.
func NewAccessStore(pool *pgxpool.Pool, logger *zap.Logger) *AccessStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessStore{pool: pool, logger: logger}
}

// CreateAssignment inserts a new assignment row.
func (s *AccessStore) CreateAssignment(ctx context.Context, a *access.Assignment) error {
	query := `
		INSERT INTO patient_assignments
		(id, tenant_id, patient_id, physician_id, assignment_type, assigned_by, assigned_at, expires_at, is_active, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.pool.Exec(ctx, query,
		a.ID, a.TenantID, a.PatientID, a.PhysicianID, a.Type,
		a.AssignedBy, a.AssignedAt, a.ExpiresAt, a.Active, a.Notes,
	)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

// ActiveAssignment returns an active assignment for the triple, or nil.
func (s *AccessStore) ActiveAssignment(ctx context.Context, tenantID, patientID, physicianID string) (*access.Assignment, error) {
	query := `
		SELECT id, tenant_id, patient_id, physician_id, assignment_type,
		       assigned_by, assigned_at, expires_at, is_active, notes
		FROM patient_assignments
		WHERE tenant_id = $1 AND patient_id = $2 AND physician_id = $3 AND is_active
		LIMIT 1
	`
	a := &access.Assignment{}
	err := s.pool.QueryRow(ctx, query, tenantID, patientID, physicianID).Scan(
		&a.ID, &a.TenantID, &a.PatientID, &a.PhysicianID, &a.Type,
		&a.AssignedBy, &a.AssignedAt, &a.ExpiresAt, &a.Active, &a.Notes,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query assignment: %w", err)
	}
	return a, nil
}

// DeactivateAssignment soft-deletes an assignment within its tenant.
func (s *AccessStore) DeactivateAssignment(ctx context.Context, tenantID, assignmentID string) (bool, error) {
	query := `
		UPDATE patient_assignments
		SET is_active = FALSE
		WHERE tenant_id = $1 AND id = $2 AND is_active
	`
	result, err := s.pool.Exec(ctx, query, tenantID, assignmentID)
	if err != nil {
		return false, fmt.Errorf("deactivate assignment: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// CreateAccessRequest inserts a new pending access request.
func (s *AccessStore) CreateAccessRequest(ctx context.Context, r *access.AccessRequest) error {
	query := `
		INSERT INTO access_requests
		(id, tenant_id, patient_id, requesting_physician_id, target_physician_id,
		 request_type, reason, urgency, status, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.pool.Exec(ctx, query,
		r.ID, r.TenantID, r.PatientID, r.RequestingPhysicianID, r.TargetPhysicianID,
		r.RequestType, r.Reason, r.Urgency, r.Status, r.RequestedAt,
	)
	if err != nil {
		return fmt.Errorf("insert access request: %w", err)
	}
	return nil
}

// ApprovedAccessRequest returns the most recently reviewed approved request
// for the triple, or nil. The grant-window check stays with the caller.
func (s *AccessStore) ApprovedAccessRequest(ctx context.Context, tenantID, patientID, physicianID string) (*access.AccessRequest, error) {
	query := `
		SELECT id, tenant_id, patient_id, requesting_physician_id, target_physician_id,
		       request_type, reason, urgency, status, requested_at,
		       COALESCE(reviewed_by, ''), reviewed_at, COALESCE(review_notes, ''), access_granted_until
		FROM access_requests
		WHERE tenant_id = $1 AND patient_id = $2 AND requesting_physician_id = $3 AND status = 'approved'
		ORDER BY reviewed_at DESC
		LIMIT 1
	`
	r := &access.AccessRequest{}
	err := s.pool.QueryRow(ctx, query, tenantID, patientID, physicianID).Scan(
		&r.ID, &r.TenantID, &r.PatientID, &r.RequestingPhysicianID, &r.TargetPhysicianID,
		&r.RequestType, &r.Reason, &r.Urgency, &r.Status, &r.RequestedAt,
		&r.ReviewedBy, &r.ReviewedAt, &r.ReviewNotes, &r.AccessGrantedUntil,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query access request: %w", err)
	}
	return r, nil
}

// ReviewAccessRequest applies a review if and only if the request is still
// pending within the tenant. The conditional UPDATE makes concurrent reviews
// race-safe: the loser matches zero rows and gets nil back.
func (s *AccessStore) ReviewAccessRequest(ctx context.Context, tenantID, requestID string, review access.Review) (*access.AccessRequest, error) {
	query := `
		UPDATE access_requests
		SET status = $3, reviewed_by = $4, reviewed_at = $5, review_notes = $6, access_granted_until = $7
		WHERE tenant_id = $1 AND id = $2 AND status = 'pending'
		RETURNING id, tenant_id, patient_id, requesting_physician_id, target_physician_id,
		          request_type, reason, urgency, status, requested_at,
		          COALESCE(reviewed_by, ''), reviewed_at, COALESCE(review_notes, ''), access_granted_until
	`
	r := &access.AccessRequest{}
	err := s.pool.QueryRow(ctx, query,
		tenantID, requestID, review.Status, review.ReviewedBy, review.ReviewedAt,
		review.ReviewNotes, review.AccessGrantedUntil,
	).Scan(
		&r.ID, &r.TenantID, &r.PatientID, &r.RequestingPhysicianID, &r.TargetPhysicianID,
		&r.RequestType, &r.Reason, &r.Urgency, &r.Status, &r.RequestedAt,
		&r.ReviewedBy, &r.ReviewedAt, &r.ReviewNotes, &r.AccessGrantedUntil,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("review access request: %w", err)
	}
	return r, nil
}

// AssignmentsForPatientAllTenants lists a patient's assignments across every
// tenant. Platform-admin entry point; intentionally not part of the
// tenant-scoped Store contract.
func (s *AccessStore) AssignmentsForPatientAllTenants(ctx context.Context, patientID string) ([]access.Assignment, error) {
	query := `
		SELECT id, tenant_id, patient_id, physician_id, assignment_type,
		       assigned_by, assigned_at, expires_at, is_active, notes
		FROM patient_assignments
		WHERE patient_id = $1
		ORDER BY assigned_at DESC
	`
	rows, err := s.pool.Query(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	var assignments []access.Assignment
	for rows.Next() {
		var a access.Assignment
		err := rows.Scan(
			&a.ID, &a.TenantID, &a.PatientID, &a.PhysicianID, &a.Type,
			&a.AssignedBy, &a.AssignedAt, &a.ExpiresAt, &a.Active, &a.Notes,
		)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// PendingAccessRequestsAllTenants lists pending requests platform-wide,
// oldest first.
func (s *AccessStore) PendingAccessRequestsAllTenants(ctx context.Context, limit int) ([]access.AccessRequest, error) {
	query := `
		SELECT id, tenant_id, patient_id, requesting_physician_id, target_physician_id,
		       request_type, reason, urgency, status, requested_at,
		       COALESCE(reviewed_by, ''), reviewed_at, COALESCE(review_notes, ''), access_granted_until
		FROM access_requests
		WHERE status = 'pending'
		ORDER BY requested_at ASC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query access requests: %w", err)
	}
	defer rows.Close()

	var requests []access.AccessRequest
	for rows.Next() {
		var r access.AccessRequest
		err := rows.Scan(
			&r.ID, &r.TenantID, &r.PatientID, &r.RequestingPhysicianID, &r.TargetPhysicianID,
			&r.RequestType, &r.Reason, &r.Urgency, &r.Status, &r.RequestedAt,
			&r.ReviewedBy, &r.ReviewedAt, &r.ReviewNotes, &r.AccessGrantedUntil,
		)
		if err != nil {
			return nil, fmt.Errorf("scan access request: %w", err)
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}
