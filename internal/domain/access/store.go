package access

import (
	"context"
	"time"
)

// Review is the reviewer's verdict applied to a pending access request.
type Review struct {
	Status             RequestStatus
	ReviewedBy         string
	ReviewedAt         time.Time
	ReviewNotes        string
	AccessGrantedUntil *time.Time
}

// Store is the tenant-scoped persistence contract for assignments and access
// requests. Every method takes an explicit tenant ID; there is deliberately
// no optional-tenant variant on this interface, so an unfiltered query can
// never be reached by omitting an argument. Platform-wide queries live on
// PlatformStore instead.
type Store interface {
	CreateAssignment(ctx context.Context, a *Assignment) error
	// ActiveAssignment returns an active assignment binding the physician to
	// the patient within the tenant, or nil when none exists.
	ActiveAssignment(ctx context.Context, tenantID, patientID, physicianID string) (*Assignment, error)
	// DeactivateAssignment soft-deletes an assignment. Returns false when no
	// active row matched the tenant and ID.
	DeactivateAssignment(ctx context.Context, tenantID, assignmentID string) (bool, error)

	CreateAccessRequest(ctx context.Context, r *AccessRequest) error
	// ApprovedAccessRequest returns the most recently approved request for
	// the physician and patient within the tenant, or nil when none exists.
	// The grant-window check is the caller's responsibility.
	ApprovedAccessRequest(ctx context.Context, tenantID, patientID, physicianID string) (*AccessRequest, error)
	// ReviewAccessRequest applies a review to a request if and only if it is
	// still pending and belongs to the tenant, returning the updated request
	// or nil when no pending row matched. The conditional update makes
	// concurrent reviews race-safe: exactly one wins.
	ReviewAccessRequest(ctx context.Context, tenantID, requestID string, review Review) (*AccessRequest, error)
}

// PlatformStore is the explicit platform-admin entry point for queries that
// span tenants. It is a distinct type so cross-tenant reads are always a
// deliberate call, never a tenant filter that happened to be missing.
type PlatformStore interface {
	// AssignmentsForPatientAllTenants lists a patient's assignments across
	// every tenant.
	AssignmentsForPatientAllTenants(ctx context.Context, patientID string) ([]Assignment, error)
	// PendingAccessRequestsAllTenants lists pending requests platform-wide,
	// oldest first.
	PendingAccessRequestsAllTenants(ctx context.Context, limit int) ([]AccessRequest, error)
}
