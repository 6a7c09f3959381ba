package safety

import (
	"context"
	"errors"
	"testing"

	"github.com/medgrid/safecore/internal/domain/audit"
	"github.com/medgrid/safecore/internal/domain/clinical"
)

type fakeGuard struct {
	allow  bool
	called bool
}

func (f *fakeGuard) HasAccess(ctx context.Context, actorID, patientID, tenantID string) bool {
	f.called = true
	return f.allow
}

type fakeEngine struct {
	result clinical.CheckResult
	called bool
}

func (f *fakeEngine) Evaluate(ctx context.Context, p clinical.Proposal) clinical.CheckResult {
	f.called = true
	return f.result
}

type fakeSink struct {
	entries []audit.Entry
	failOn  audit.Kind
}

func (f *fakeSink) Append(ctx context.Context, entry audit.Entry) error {
	if f.failOn != "" && entry.Kind == f.failOn {
		return errors.New("audit store unavailable")
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeSink) kinds() []audit.Kind {
	out := make([]audit.Kind, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.Kind
	}
	return out
}

func input() ProposeInput {
	return ProposeInput{
		ActorID: "dr-1", PatientID: "patient-1", TenantID: "tenant-a",
		DrugName: "Aspirin", Dosage: "81mg",
	}
}

func TestDeniedAccessSkipsClinicalChecks(t *testing.T) {
	engine := &fakeEngine{}
	sink := &fakeSink{}
	c := NewCoordinator(&fakeGuard{allow: false}, engine, sink, nil)

	decision, err := c.ProposePrescription(context.Background(), input())
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if decision.Allowed {
		t.Error("denied actor must not be allowed")
	}
	if engine.called {
		t.Error("clinical evaluation must not run for a denied actor")
	}
	if decision.Result.HasAlerts || len(decision.Result.Alerts) != 0 {
		t.Error("denied decision must carry an empty result")
	}

	kinds := sink.kinds()
	if len(kinds) != 1 || kinds[0] != audit.KindAccessDenied {
		t.Errorf("audit kinds = %v, want exactly one access_denied", kinds)
	}
}

func TestAllowedProposalAuditsDecisionAndAlerts(t *testing.T) {
	result := clinical.CheckResult{
		HasAlerts: true,
		Alerts: []clinical.Alert{
			{Type: clinical.AlertDrugInteraction, Severity: clinical.SeverityMajor},
			{Type: clinical.AlertAllergy, Severity: clinical.SeverityModerate},
		},
		Severity:   clinical.SeverityMajor,
		CanProceed: true,
	}
	sink := &fakeSink{}
	c := NewCoordinator(&fakeGuard{allow: true}, &fakeEngine{result: result}, sink, nil)

	decision, err := c.ProposePrescription(context.Background(), input())
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !decision.Allowed {
		t.Error("major severity must not block")
	}

	kinds := sink.kinds()
	if len(kinds) != 3 {
		t.Fatalf("audit entries = %d, want access decision + 2 alerts", len(kinds))
	}
	if kinds[0] != audit.KindAccessGranted {
		t.Errorf("first entry = %s, want access_granted before any alert", kinds[0])
	}
	for _, k := range kinds[1:] {
		if k != audit.KindClinicalAlert {
			t.Errorf("entry kind = %s, want clinical_alert", k)
		}
	}

	for _, a := range decision.Result.Alerts {
		if a.TriggeredBy != "dr-1" {
			t.Errorf("alert triggered_by = %q, want dr-1", a.TriggeredBy)
		}
	}
}

func TestCriticalSeverityBlocks(t *testing.T) {
	result := clinical.CheckResult{
		HasAlerts:  true,
		Alerts:     []clinical.Alert{{Type: clinical.AlertAllergy, Severity: clinical.SeverityCritical}},
		Severity:   clinical.SeverityCritical,
		CanProceed: false,
	}
	c := NewCoordinator(&fakeGuard{allow: true}, &fakeEngine{result: result}, &fakeSink{}, nil)

	decision, err := c.ProposePrescription(context.Background(), input())
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if decision.Allowed {
		t.Error("critical alert must block the proposal")
	}
}

func TestAuditWriteFailureIsFatal(t *testing.T) {
	result := clinical.CheckResult{
		HasAlerts:  true,
		Alerts:     []clinical.Alert{{Type: clinical.AlertDosage, Severity: clinical.SeverityMajor}},
		Severity:   clinical.SeverityMajor,
		CanProceed: true,
	}

	// Alert write fails after the decision write succeeded.
	sink := &fakeSink{failOn: audit.KindClinicalAlert}
	c := NewCoordinator(&fakeGuard{allow: true}, &fakeEngine{result: result}, sink, nil)

	if _, err := c.ProposePrescription(context.Background(), input()); err == nil {
		t.Fatal("an unaudited clinical alert must fail the call")
	}

	// Denial audit failure is equally fatal.
	sink = &fakeSink{failOn: audit.KindAccessDenied}
	c = NewCoordinator(&fakeGuard{allow: false}, &fakeEngine{}, sink, nil)
	if _, err := c.ProposePrescription(context.Background(), input()); err == nil {
		t.Fatal("an unaudited access denial must fail the call")
	}
}
