package clinical

import "context"

// Prescription statuses that no longer contribute to safety screening.
const (
	statusCancelled = "cancelled"
	statusDispensed = "dispensed"
)

// Prescription is a patient's existing medication order as reported by the
// record gateway.
type Prescription struct {
	ID             string `json:"id"`
	MedicationName string `json:"medication_name"`
	Status         string `json:"status"`
}

// Allergy is a recorded patient allergy.
type Allergy struct {
	Allergen string `json:"allergen"`
	Severity string `json:"severity"`
	Reaction string `json:"reaction,omitempty"`
}

// InteractionRule relates two drug names, order-independent, to a severity
// and management guidance.
type InteractionRule struct {
	DrugA          string   `json:"drug_a"`
	DrugB          string   `json:"drug_b"`
	Severity       Severity `json:"severity"`
	Description    string   `json:"description"`
	ClinicalImpact string   `json:"clinical_impact,omitempty"`
	Management     string   `json:"management,omitempty"`
}

// DosageWarning bounds a drug's dose, optionally for a specific patient
// condition. A zero bound means the bound is absent.
type DosageWarning struct {
	DrugName  string  `json:"drug_name"`
	Condition string  `json:"condition,omitempty"`
	MinDose   float64 `json:"min_dose,omitempty"`
	MaxDose   float64 `json:"max_dose,omitempty"`
	Unit      string  `json:"unit,omitempty"`
	Guidance  string  `json:"guidance,omitempty"`
}

// DrugClass groups drugs by name pattern for duplicate-therapy detection.
// Patterns are matched as case-insensitive substrings of medication names.
type DrugClass struct {
	Name     string   `json:"name"`
	Patterns []string `json:"patterns"`
}

// RecordGateway fetches patient clinical facts. It is an external
// collaborator; this core treats its responses as read-only snapshots.
type RecordGateway interface {
	// ActivePrescriptions returns the patient's current prescriptions.
	// Callers must still exclude cancelled and dispensed entries.
	ActivePrescriptions(ctx context.Context, patientID, tenantID string) ([]Prescription, error)
	Allergies(ctx context.Context, patientID, tenantID string) ([]Allergy, error)
}

// RuleCatalog is the read-only clinical reference data collaborator.
type RuleCatalog interface {
	// FindInteraction looks up a rule for the unordered pair (drugA, drugB).
	// A nil rule with nil error means no interaction is known.
	FindInteraction(ctx context.Context, drugA, drugB string) (*InteractionRule, error)
	// FindDosageWarning returns the warning for a drug under a specific
	// patient condition, or nil when no row exists for the pair.
	FindDosageWarning(ctx context.Context, drugName, condition string) (*DosageWarning, error)
	// GeneralDosageWarnings returns condition-independent warnings for a drug.
	GeneralDosageWarnings(ctx context.Context, drugName string) ([]DosageWarning, error)
	// DrugClasses returns the duplicate-therapy classification table.
	DrugClasses(ctx context.Context) ([]DrugClass, error)
}
