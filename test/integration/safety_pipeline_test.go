// Package integration exercises the full safety pipeline: access guard,
// clinical rule engine, decision coordinator and audit sink wired together
// with in-memory collaborators.
package integration

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/medgrid/safecore/internal/domain/access"
	"github.com/medgrid/safecore/internal/domain/audit"
	"github.com/medgrid/safecore/internal/domain/clinical"
	"github.com/medgrid/safecore/internal/domain/safety"
	"github.com/medgrid/safecore/internal/domain/sharing"
)

type memStore struct {
	mu          sync.Mutex
	assignments []*access.Assignment
	requests    []*access.AccessRequest
}

func (s *memStore) CreateAssignment(_ context.Context, a *access.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments = append(s.assignments, a)
	return nil
}

func (s *memStore) ActiveAssignment(_ context.Context, tenantID, patientID, physicianID string) (*access.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assignments {
		if a.Active && a.TenantID == tenantID && a.PatientID == patientID && a.PhysicianID == physicianID {
			return a, nil
		}
	}
	return nil, nil
}

func (s *memStore) DeactivateAssignment(_ context.Context, tenantID, assignmentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assignments {
		if a.Active && a.TenantID == tenantID && a.ID == assignmentID {
			a.Active = false
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) CreateAccessRequest(_ context.Context, r *access.AccessRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r)
	return nil
}

func (s *memStore) ApprovedAccessRequest(_ context.Context, tenantID, patientID, physicianID string) (*access.AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.Status == access.RequestApproved && r.TenantID == tenantID &&
			r.PatientID == patientID && r.RequestingPhysicianID == physicianID {
			return r, nil
		}
	}
	return nil, nil
}

func (s *memStore) ReviewAccessRequest(_ context.Context, tenantID, requestID string, review access.Review) (*access.AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.ID == requestID && r.TenantID == tenantID && r.Status == access.RequestPending {
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

type memGateway struct {
	prescriptions map[string][]clinical.Prescription
	allergies     map[string][]clinical.Allergy
}

func (g *memGateway) ActivePrescriptions(_ context.Context, patientID, _ string) ([]clinical.Prescription, error) {
	return g.prescriptions[patientID], nil
}

func (g *memGateway) Allergies(_ context.Context, patientID, _ string) ([]clinical.Allergy, error) {
	return g.allergies[patientID], nil
}

type memCatalog struct {
	interactions map[string]*clinical.InteractionRule
}

func pairKey(a, b string) string {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func (c *memCatalog) FindInteraction(_ context.Context, drugA, drugB string) (*clinical.InteractionRule, error) {
	return c.interactions[pairKey(drugA, drugB)], nil
}

func (c *memCatalog) FindDosageWarning(_ context.Context, _, _ string) (*clinical.DosageWarning, error) {
	return nil, nil
}

func (c *memCatalog) GeneralDosageWarnings(_ context.Context, _ string) ([]clinical.DosageWarning, error) {
	return nil, nil
}

func (c *memCatalog) DrugClasses(_ context.Context) ([]clinical.DrugClass, error) {
	return nil, nil
}

type memSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *memSink) Append(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *memSink) kinds() []audit.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]audit.Kind, len(s.entries))
	for i, e := range s.entries {
		kinds[i] = e.Kind
	}
	return kinds
}

type pipeline struct {
	store       *memStore
	sink        *memSink
	guard       *access.Guard
	coordinator *safety.Coordinator
}

func newPipeline(gateway *memGateway, catalog *memCatalog) *pipeline {
	store := &memStore{}
	sink := &memSink{}
	guard := access.NewGuard(store, access.DefaultConfig(), nil)
	engine := clinical.NewEngine(gateway, catalog, nil, clinical.DefaultConfig(), nil)
	return &pipeline{
		store:       store,
		sink:        sink,
		guard:       guard,
		coordinator: safety.NewCoordinator(guard, engine, sink, nil),
	}
}

func TestUnassignedPhysicianIsDeniedAndAudited(t *testing.T) {
	p := newPipeline(&memGateway{}, &memCatalog{})

	decision, err := p.coordinator.ProposePrescription(context.Background(), safety.ProposeInput{
		ActorID:   "dr-stranger",
		PatientID: "pt-1",
		TenantID:  "clinic-a",
		DrugName:  "warfarin",
		Dosage:    "5mg",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("unassigned physician must be denied")
	}
	kinds := p.sink.kinds()
	if len(kinds) != 1 || kinds[0] != audit.KindAccessDenied {
		t.Fatalf("expected one access_denied entry, got %v", kinds)
	}
}

func TestAssignedPhysicianProposalFlowsThroughEngine(t *testing.T) {
	gateway := &memGateway{
		prescriptions: map[string][]clinical.Prescription{
			"pt-1": {{ID: "rx-1", MedicationName: "aspirin", Status: "active"}},
		},
		allergies: map[string][]clinical.Allergy{
			"pt-1": {{Allergen: "penicillin", Severity: "severe"}},
		},
	}
	catalog := &memCatalog{
		interactions: map[string]*clinical.InteractionRule{
			pairKey("warfarin", "aspirin"): {
				DrugA:       "warfarin",
				DrugB:       "aspirin",
				Severity:    clinical.SeverityMajor,
				Description: "increased bleeding risk",
			},
		},
	}
	p := newPipeline(gateway, catalog)

	if _, err := p.guard.Assign(context.Background(), access.AssignInput{
		PatientID:   "pt-1",
		PhysicianID: "dr-house",
		TenantID:    "clinic-a",
		Type:        access.AssignmentPrimaryCare,
		AssignedBy:  "admin-1",
	}); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	decision, err := p.coordinator.ProposePrescription(context.Background(), safety.ProposeInput{
		ActorID:   "dr-house",
		PatientID: "pt-1",
		TenantID:  "clinic-a",
		DrugName:  "warfarin",
		Dosage:    "5mg",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("major severity must not block the proposal")
	}
	if decision.Result.Severity != clinical.SeverityMajor {
		t.Fatalf("expected major severity, got %s", decision.Result.Severity)
	}

	kinds := p.sink.kinds()
	if kinds[0] != audit.KindAccessGranted {
		t.Fatalf("first entry must be access_granted, got %s", kinds[0])
	}
	alerts := 0
	for _, k := range kinds[1:] {
		if k == audit.KindClinicalAlert {
			alerts++
		}
	}
	if alerts != len(decision.Result.Alerts) {
		t.Fatalf("expected %d alert entries, got %d", len(decision.Result.Alerts), alerts)
	}
	for _, alert := range decision.Result.Alerts {
		if alert.TriggeredBy != "dr-house" {
			t.Fatalf("alert must carry the acting physician, got %q", alert.TriggeredBy)
		}
	}
}

func TestCriticalInteractionBlocksProposal(t *testing.T) {
	gateway := &memGateway{
		prescriptions: map[string][]clinical.Prescription{
			"pt-1": {{ID: "rx-1", MedicationName: "sildenafil", Status: "active"}},
		},
	}
	catalog := &memCatalog{
		interactions: map[string]*clinical.InteractionRule{
			pairKey("nitroglycerin", "sildenafil"): {
				DrugA:       "nitroglycerin",
				DrugB:       "sildenafil",
				Severity:    clinical.SeverityCritical,
				Description: "severe hypotension",
			},
		},
	}
	p := newPipeline(gateway, catalog)

	if _, err := p.guard.Assign(context.Background(), access.AssignInput{
		PatientID:   "pt-1",
		PhysicianID: "dr-house",
		TenantID:    "clinic-a",
		Type:        access.AssignmentPrimaryCare,
		AssignedBy:  "admin-1",
	}); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	decision, err := p.coordinator.ProposePrescription(context.Background(), safety.ProposeInput{
		ActorID:   "dr-house",
		PatientID: "pt-1",
		TenantID:  "clinic-a",
		DrugName:  "nitroglycerin",
		Dosage:    "0.4mg",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("critical interaction must block the proposal")
	}
	// The blocked attempt is still fully audited.
	found := false
	for _, k := range p.sink.kinds() {
		if k == audit.KindClinicalAlert {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a clinical_alert audit entry for the blocked proposal")
	}
}

func TestApprovedRequestGrantsUntilExpiry(t *testing.T) {
	p := newPipeline(&memGateway{}, &memCatalog{})
	ctx := context.Background()

	request, err := p.guard.RequestAccess(ctx, access.RequestInput{
		PatientID:             "pt-2",
		TenantID:              "clinic-a",
		RequestingPhysicianID: "dr-covering",
		Reason:                "on-call coverage",
		Urgency:               "urgent",
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if p.guard.HasAccess(ctx, "dr-covering", "pt-2", "clinic-a") {
		t.Fatal("pending request must not grant access")
	}

	until := time.Now().UTC().Add(time.Hour)
	approved, err := p.guard.Approve(ctx, request.ID, "clinic-a", "dr-chief", &until)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if approved == nil {
		t.Fatal("expected approval to apply")
	}
	if !p.guard.HasAccess(ctx, "dr-covering", "pt-2", "clinic-a") {
		t.Fatal("approved request must grant access before expiry")
	}

	// The decision now flows end to end for the covering physician.
	decision, err := p.coordinator.ProposePrescription(ctx, safety.ProposeInput{
		ActorID:   "dr-covering",
		PatientID: "pt-2",
		TenantID:  "clinic-a",
		DrugName:  "amoxicillin",
		Dosage:    "500mg",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("clean proposal by approved physician must proceed")
	}
}

func TestCrossTenantReadIsAuditedBeforeData(t *testing.T) {
	gateway := &memGateway{
		allergies: map[string][]clinical.Allergy{
			"pt-3": {{Allergen: "latex", Severity: "moderate"}},
		},
	}
	sink := &memSink{}
	reader := sharing.NewReader(gateway, sink, nil)

	allergies, err := reader.Allergies(context.Background(), sharing.AccessContext{
		RequestingTenant: "pharmacy-b",
		TargetTenant:     "clinic-a",
		ActorID:          "pharmacist-1",
		Justification:    sharing.JustificationContinuityOfCare,
	}, "pt-3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(allergies) != 1 {
		t.Fatalf("expected 1 allergy, got %d", len(allergies))
	}
	kinds := sink.kinds()
	if len(kinds) != 1 || kinds[0] != audit.KindCrossTenantRead {
		t.Fatalf("expected one cross_tenant_read entry, got %v", kinds)
	}
	if sink.entries[0].TenantID != "pharmacy-b" {
		t.Fatalf("audit entry must name the requesting tenant, got %s", sink.entries[0].TenantID)
	}

	if _, err := reader.Allergies(context.Background(), sharing.AccessContext{
		RequestingTenant: "pharmacy-b",
		TargetTenant:     "clinic-a",
		ActorID:          "pharmacist-1",
	}, "pt-3"); err == nil {
		t.Fatal("missing justification must fail the read")
	}
}
