// Package clinical implements the clinical safety rule engine: interaction,
// allergy, dosage and duplicate-therapy screening of proposed prescriptions.
package clinical

import "time"

// Severity ranks the clinical significance of an alert.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// rank orders severities for aggregation: critical > major > moderate > minor > none.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityMajor:
		return 3
	case SeverityModerate:
		return 2
	case SeverityMinor:
		return 1
	default:
		return 0
	}
}

// Exceeds reports whether s ranks strictly above other.
func (s Severity) Exceeds(other Severity) bool { return s.rank() > other.rank() }

// AlertType identifies which check produced an alert.
type AlertType string

const (
	AlertDrugInteraction  AlertType = "drug_interaction"
	AlertAllergy          AlertType = "allergy"
	AlertDosage           AlertType = "dosage"
	AlertDuplicateTherapy AlertType = "duplicate_therapy"
	AlertContraindication AlertType = "contraindication"
)

// Alert is a detected safety concern. Once persisted it is immutable apart
// from the acknowledgement fields and is never deleted.
type Alert struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	PatientID       string    `json:"patient_id"`
	PrescriptionID  string    `json:"prescription_id,omitempty"`
	Type            AlertType `json:"type"`
	Severity        Severity  `json:"severity"`
	Title           string    `json:"title"`
	Message         string    `json:"message"`
	Recommendations []string  `json:"recommendations,omitempty"`
	TriggeredBy     string    `json:"triggered_by,omitempty"`
	AcknowledgedBy  string    `json:"acknowledged_by,omitempty"`
	DismissedReason string    `json:"dismissed_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// CheckResult aggregates the outcome of all safety checks for one proposal.
type CheckResult struct {
	HasAlerts  bool     `json:"has_alerts"`
	Alerts     []Alert  `json:"alerts"`
	Severity   Severity `json:"severity"`
	CanProceed bool     `json:"can_proceed"`
}

// EmptyResult is the result of an evaluation that produced no alerts, or that
// was never run because access was denied.
func EmptyResult() CheckResult {
	return CheckResult{Severity: SeverityNone, CanProceed: true}
}
