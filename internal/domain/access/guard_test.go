package access

import (
	"context"
	"errors"
	"testing"
	"time"
)

// memStore is an in-memory Store for guard tests.
type memStore struct {
	assignments []*Assignment
	requests    []*AccessRequest
	failWith    error
}

func (m *memStore) CreateAssignment(ctx context.Context, a *Assignment) error {
	if m.failWith != nil {
		return m.failWith
	}
	copied := *a
	m.assignments = append(m.assignments, &copied)
	return nil
}

func (m *memStore) ActiveAssignment(ctx context.Context, tenantID, patientID, physicianID string) (*Assignment, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	for _, a := range m.assignments {
		if a.Active && a.TenantID == tenantID && a.PatientID == patientID && a.PhysicianID == physicianID {
			return a, nil
		}
	}
	return nil, nil
}

func (m *memStore) DeactivateAssignment(ctx context.Context, tenantID, assignmentID string) (bool, error) {
	if m.failWith != nil {
		return false, m.failWith
	}
	for _, a := range m.assignments {
		if a.Active && a.TenantID == tenantID && a.ID == assignmentID {
			a.Active = false
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) CreateAccessRequest(ctx context.Context, r *AccessRequest) error {
	if m.failWith != nil {
		return m.failWith
	}
	copied := *r
	m.requests = append(m.requests, &copied)
	return nil
}

func (m *memStore) ApprovedAccessRequest(ctx context.Context, tenantID, patientID, physicianID string) (*AccessRequest, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	for _, r := range m.requests {
		if r.Status == RequestApproved && r.TenantID == tenantID &&
			r.PatientID == patientID && r.RequestingPhysicianID == physicianID {
			return r, nil
		}
	}
	return nil, nil
}

func (m *memStore) ReviewAccessRequest(ctx context.Context, tenantID, requestID string, review Review) (*AccessRequest, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	for _, r := range m.requests {
		if r.ID == requestID && r.TenantID == tenantID && r.Status == RequestPending {
			r.Status = review.Status
			r.ReviewedBy = review.ReviewedBy
			reviewedAt := review.ReviewedAt
			r.ReviewedAt = &reviewedAt
			r.ReviewNotes = review.ReviewNotes
			r.AccessGrantedUntil = review.AccessGrantedUntil
			return r, nil
		}
	}
	return nil, nil
}

func newTestGuard(store *memStore) *Guard {
	return NewGuard(store, DefaultConfig(), nil)
}

func TestHasAccessDefaultsToDenied(t *testing.T) {
	guard := newTestGuard(&memStore{})
	if guard.HasAccess(context.Background(), "dr-1", "patient-1", "tenant-a") {
		t.Error("no assignment and no request must deny access")
	}
}

func TestHasAccessViaAssignment(t *testing.T) {
	store := &memStore{}
	guard := newTestGuard(store)

	a, err := guard.Assign(context.Background(), AssignInput{
		PatientID: "patient-1", PhysicianID: "dr-1", TenantID: "tenant-a",
		Type: AssignmentPrimaryCare, AssignedBy: "admin-1",
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !a.Active {
		t.Fatal("new assignment must be active")
	}

	if !guard.HasAccess(context.Background(), "dr-1", "patient-1", "tenant-a") {
		t.Error("active assignment must grant access")
	}
	if guard.HasAccess(context.Background(), "dr-1", "patient-1", "tenant-b") {
		t.Error("assignment in another tenant must not grant access")
	}
	if guard.HasAccess(context.Background(), "dr-2", "patient-1", "tenant-a") {
		t.Error("unassigned physician must not gain access")
	}
}

func TestAssignDoesNotDeactivatePriorAssignments(t *testing.T) {
	store := &memStore{}
	guard := newTestGuard(store)
	ctx := context.Background()

	if _, err := guard.Assign(ctx, AssignInput{
		PatientID: "patient-1", PhysicianID: "dr-1", TenantID: "tenant-a", Type: AssignmentPrimaryCare,
	}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := guard.Assign(ctx, AssignInput{
		PatientID: "patient-1", PhysicianID: "dr-2", TenantID: "tenant-a", Type: AssignmentConsulting,
	}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	if !guard.HasAccess(ctx, "dr-1", "patient-1", "tenant-a") {
		t.Error("primary physician lost access after consulting assignment")
	}
	if !guard.HasAccess(ctx, "dr-2", "patient-1", "tenant-a") {
		t.Error("consulting physician must have access")
	}
}

func TestRevokeSoftDeletesAndRetainsHistory(t *testing.T) {
	store := &memStore{}
	guard := newTestGuard(store)
	ctx := context.Background()

	a, err := guard.Assign(ctx, AssignInput{
		PatientID: "patient-1", PhysicianID: "dr-1", TenantID: "tenant-a", Type: AssignmentTemporary,
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	revoked, err := guard.Revoke(ctx, a.ID, "tenant-a")
	if err != nil || !revoked {
		t.Fatalf("revoke = (%v, %v), want (true, nil)", revoked, err)
	}
	if guard.HasAccess(ctx, "dr-1", "patient-1", "tenant-a") {
		t.Error("revoked assignment must deny access immediately")
	}

	// Soft delete: the row survives, inactive.
	if len(store.assignments) != 1 || store.assignments[0].Active {
		t.Error("assignment history must be retained with is_active=false")
	}

	// Repeat revoke and wrong-tenant revoke are no-ops, not errors.
	revoked, err = guard.Revoke(ctx, a.ID, "tenant-a")
	if err != nil || revoked {
		t.Errorf("second revoke = (%v, %v), want (false, nil)", revoked, err)
	}
	revoked, err = guard.Revoke(ctx, "no-such-id", "tenant-a")
	if err != nil || revoked {
		t.Errorf("revoke of unknown id = (%v, %v), want (false, nil)", revoked, err)
	}
}

func TestApprovedRequestGrantsAccess(t *testing.T) {
	store := &memStore{}
	guard := newTestGuard(store)
	ctx := context.Background()

	req, err := guard.RequestAccess(ctx, RequestInput{
		PatientID: "patient-1", TenantID: "tenant-a",
		RequestingPhysicianID: "dr-9", Reason: "covering on-call", Urgency: "high",
	})
	if err != nil {
		t.Fatalf("request access: %v", err)
	}
	if req.Status != RequestPending {
		t.Fatalf("new request status = %s, want pending", req.Status)
	}
	if guard.HasAccess(ctx, "dr-9", "patient-1", "tenant-a") {
		t.Error("pending request must not grant access")
	}

	until := time.Now().UTC().Add(24 * time.Hour)
	approved, err := guard.Approve(ctx, req.ID, "tenant-a", "director-1", &until)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved == nil || approved.Status != RequestApproved {
		t.Fatal("approve must transition the request to approved")
	}

	if !guard.HasAccess(ctx, "dr-9", "patient-1", "tenant-a") {
		t.Error("approved request within grant window must grant access")
	}
}

func TestExpiredGrantDeniesDespiteApprovedStatus(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)
	store := &memStore{requests: []*AccessRequest{{
		ID: "req-1", TenantID: "tenant-a", PatientID: "patient-1",
		RequestingPhysicianID: "dr-9", Status: RequestApproved,
		AccessGrantedUntil: &past,
	}}}
	guard := newTestGuard(store)

	if guard.HasAccess(context.Background(), "dr-9", "patient-1", "tenant-a") {
		t.Error("expired grant window must deny even though status is approved")
	}
	if store.requests[0].Status != RequestApproved {
		t.Error("the temporal check is live; status must not be rewritten")
	}
}

func TestApproveIsTenantScoped(t *testing.T) {
	store := &memStore{requests: []*AccessRequest{{
		ID: "req-1", TenantID: "tenant-a", PatientID: "patient-1",
		RequestingPhysicianID: "dr-9", Status: RequestPending,
	}}}
	guard := newTestGuard(store)

	// Reviewer from another tenant: silent no-op.
	approved, err := guard.Approve(context.Background(), "req-1", "tenant-b", "director-x", nil)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved != nil {
		t.Fatal("cross-tenant approval must be a no-op")
	}
	if store.requests[0].Status != RequestPending {
		t.Error("request must stay pending after cross-tenant approval attempt")
	}
}

func TestReviewTransitionsAreOneWay(t *testing.T) {
	store := &memStore{requests: []*AccessRequest{{
		ID: "req-1", TenantID: "tenant-a", PatientID: "patient-1",
		RequestingPhysicianID: "dr-9", Status: RequestPending,
	}}}
	guard := newTestGuard(store)
	ctx := context.Background()

	if _, err := guard.Approve(ctx, "req-1", "tenant-a", "director-1", nil); err != nil {
		t.Fatalf("approve: %v", err)
	}

	denied, err := guard.Deny(ctx, "req-1", "tenant-a", "director-2", "second review")
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if denied != nil {
		t.Error("denying an already-approved request must be a no-op")
	}
	if store.requests[0].Status != RequestApproved {
		t.Error("approved status must never transition away")
	}
}

func TestDenyRequiresReviewNotes(t *testing.T) {
	store := &memStore{requests: []*AccessRequest{{
		ID: "req-1", TenantID: "tenant-a", Status: RequestPending,
	}}}
	guard := newTestGuard(store)

	if _, err := guard.Deny(context.Background(), "req-1", "tenant-a", "director-1", ""); !errors.Is(err, ErrReviewNotesRequired) {
		t.Fatalf("deny without notes: err = %v, want ErrReviewNotesRequired", err)
	}

	denied, err := guard.Deny(context.Background(), "req-1", "tenant-a", "director-1", "not clinically justified")
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if denied == nil || denied.Status != RequestDenied || denied.ReviewNotes == "" {
		t.Error("denial must record status and review notes")
	}
}

func TestApproveRejectsPastExpiry(t *testing.T) {
	store := &memStore{requests: []*AccessRequest{{
		ID: "req-1", TenantID: "tenant-a", Status: RequestPending,
	}}}
	guard := newTestGuard(store)

	past := time.Now().UTC().Add(-time.Minute)
	if _, err := guard.Approve(context.Background(), "req-1", "tenant-a", "director-1", &past); !errors.Is(err, ErrGrantExpiryInPast) {
		t.Fatalf("approve with past expiry: err = %v, want ErrGrantExpiryInPast", err)
	}
	if store.requests[0].Status != RequestPending {
		t.Error("rejected approval must leave the request pending")
	}
}

func TestStoreFailureFailsClosed(t *testing.T) {
	guard := newTestGuard(&memStore{failWith: errors.New("connection refused")})
	if guard.HasAccess(context.Background(), "dr-1", "patient-1", "tenant-a") {
		t.Error("store failure must deny access, never grant it")
	}
}
