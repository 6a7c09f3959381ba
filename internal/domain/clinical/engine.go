package clinical

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Proposal describes a prescription to be screened.
type Proposal struct {
	PatientID      string   `json:"patient_id"`
	TenantID       string   `json:"tenant_id"`
	PrescriptionID string   `json:"prescription_id,omitempty"`
	DrugName       string   `json:"drug_name"`
	Dosage         string   `json:"dosage"`
	Frequency      string   `json:"frequency,omitempty"`
	Conditions     []string `json:"conditions,omitempty"`
}

// Config holds engine configuration.
type Config struct {
	// CollaboratorTimeout bounds each record-gateway and rule-catalog call.
	CollaboratorTimeout time.Duration
}

// DefaultConfig returns defaults suitable for interactive prescribing.
func DefaultConfig() Config {
	return Config{CollaboratorTimeout: 3 * time.Second}
}

// Engine runs the four safety checks against a proposal. Each check fails
// open: a collaborator error or timeout yields no alerts from that check and
// never fails the evaluation as a whole.
type Engine struct {
	records RecordGateway
	catalog RuleCatalog
	matcher NameMatcher
	config  Config
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewEngine creates a rule engine. A nil matcher falls back to the
// substring heuristic.
func NewEngine(records RecordGateway, catalog RuleCatalog, matcher NameMatcher, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if matcher == nil {
		matcher = SubstringMatcher{}
	}
	if cfg.CollaboratorTimeout <= 0 {
		cfg.CollaboratorTimeout = DefaultConfig().CollaboratorTimeout
	}
	return &Engine{
		records: records,
		catalog: catalog,
		matcher: matcher,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("clinical-engine"),
	}
}

type checkFunc func(ctx context.Context, p Proposal) ([]Alert, error)

// Evaluate screens a proposal and aggregates the four checks into one
// result. It never returns an error: a failing check contributes no alerts.
func (e *Engine) Evaluate(ctx context.Context, p Proposal) CheckResult {
	ctx, span := e.tracer.Start(ctx, "clinical_evaluate",
		trace.WithAttributes(
			attribute.String("tenant_id", p.TenantID),
			attribute.String("drug_name", p.DrugName),
		))
	defer span.End()

	checks := []struct {
		name string
		fn   checkFunc
	}{
		{"interaction", e.checkInteractions},
		{"allergy", e.checkAllergies},
		{"dosage", e.checkDosage},
		{"duplicate_therapy", e.checkDuplicateTherapy},
	}

	// The checks have no data dependency on one another; they run
	// concurrently for latency only and are combined after all complete.
	results := make([][]Alert, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(slot int, name string, fn checkFunc) {
			defer wg.Done()
			results[slot] = e.runCheck(ctx, name, fn, p)
		}(i, c.name, c.fn)
	}
	wg.Wait()

	var alerts []Alert
	for _, r := range results {
		alerts = append(alerts, r...)
	}

	severity := SeverityNone
	for _, a := range alerts {
		if a.Severity.Exceeds(severity) {
			severity = a.Severity
		}
	}

	span.SetAttributes(
		attribute.Int("alert_count", len(alerts)),
		attribute.String("severity", string(severity)),
	)

	// Only critical blocks; everything below is advisory.
	return CheckResult{
		HasAlerts:  len(alerts) > 0,
		Alerts:     alerts,
		Severity:   severity,
		CanProceed: severity != SeverityCritical,
	}
}

// runCheck executes one check with its own timeout, converting any error or
// panic into an empty alert set.
func (e *Engine) runCheck(ctx context.Context, name string, fn checkFunc, p Proposal) (alerts []Alert) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("clinical check panicked",
				zap.String("check", name),
				zap.Any("panic", r))
			alerts = nil
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, e.config.CollaboratorTimeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "clinical_check_"+name)
	defer span.End()

	alerts, err := fn(ctx, p)
	if err != nil {
		span.RecordError(err)
		e.logger.Warn("clinical check degraded",
			zap.String("check", name),
			zap.String("tenant_id", p.TenantID),
			zap.Error(err))
		return nil
	}
	return alerts
}

// checkInteractions screens the new drug against each existing active
// medication via the rule catalog.
func (e *Engine) checkInteractions(ctx context.Context, p Proposal) ([]Alert, error) {
	existing, err := e.activeMedications(ctx, p)
	if err != nil {
		return nil, err
	}

	var alerts []Alert
	for _, rx := range existing {
		// A prescription for the proposed drug itself is handled by the
		// duplicate-therapy check, not as a self-interaction.
		if strings.EqualFold(rx.MedicationName, p.DrugName) {
			continue
		}

		rule, err := e.catalog.FindInteraction(ctx, p.DrugName, rx.MedicationName)
		if err != nil {
			e.logger.Warn("interaction lookup failed",
				zap.String("drug_a", p.DrugName),
				zap.String("drug_b", rx.MedicationName),
				zap.Error(err))
			continue
		}
		if rule == nil {
			continue
		}

		recommendations := []string{}
		if rule.Management != "" {
			recommendations = append(recommendations, rule.Management)
		}
		alerts = append(alerts, e.newAlert(p, AlertDrugInteraction, rule.Severity,
			fmt.Sprintf("Drug interaction: %s + %s", p.DrugName, rx.MedicationName),
			interactionMessage(rule), recommendations))
	}
	return alerts, nil
}

func interactionMessage(rule *InteractionRule) string {
	if rule.ClinicalImpact != "" {
		return rule.Description + " " + rule.ClinicalImpact
	}
	return rule.Description
}

// checkAllergies matches the new drug against recorded allergies using the
// pluggable name matcher.
func (e *Engine) checkAllergies(ctx context.Context, p Proposal) ([]Alert, error) {
	allergies, err := e.records.Allergies(ctx, p.PatientID, p.TenantID)
	if err != nil {
		return nil, err
	}

	var alerts []Alert
	for _, a := range allergies {
		if !e.matcher.Matches(a.Allergen, p.DrugName) {
			continue
		}
		msg := fmt.Sprintf("%s may contain or cross-react with recorded allergen %s.", p.DrugName, a.Allergen)
		if a.Reaction != "" {
			msg += " Documented reaction: " + a.Reaction + "."
		}
		alerts = append(alerts, e.newAlert(p, AlertAllergy, allergySeverity(a.Severity),
			fmt.Sprintf("Allergy alert: %s", a.Allergen), msg,
			[]string{"Verify allergy history before prescribing", "Consider an alternative agent"}))
	}
	return alerts, nil
}

// allergySeverity maps recorded allergy severities onto alert severities.
func allergySeverity(recorded string) Severity {
	switch strings.ToLower(recorded) {
	case "life_threatening":
		return SeverityCritical
	case "severe":
		return SeverityMajor
	case "moderate":
		return SeverityModerate
	default:
		return SeverityMinor
	}
}

// checkDosage validates the proposed dose against condition-specific and
// general dosage warnings.
func (e *Engine) checkDosage(ctx context.Context, p Proposal) ([]Alert, error) {
	dose, ok := parseDose(p.Dosage)
	if !ok {
		// Free-text dose with no numeric token: nothing to verify.
		return nil, nil
	}

	var alerts []Alert
	for _, condition := range p.Conditions {
		warning, err := e.catalog.FindDosageWarning(ctx, p.DrugName, condition)
		if err != nil {
			e.logger.Warn("dosage warning lookup failed",
				zap.String("drug_name", p.DrugName),
				zap.String("condition", condition),
				zap.Error(err))
			continue
		}
		if warning == nil {
			continue
		}

		if outOfBounds(dose, warning) {
			alerts = append(alerts, e.newAlert(p, AlertDosage, SeverityMajor,
				fmt.Sprintf("Dose outside range for %s", condition),
				fmt.Sprintf("Proposed dose %g%s of %s is outside the recommended range for patients with %s.",
					dose, warning.Unit, p.DrugName, condition),
				guidanceList(warning)))
		} else {
			alerts = append(alerts, e.newAlert(p, AlertDosage, SeverityMinor,
				fmt.Sprintf("Dosing guidance for %s", condition),
				fmt.Sprintf("Dose-range guidance exists for %s in patients with %s; proposed dose %g%s is within range.",
					p.DrugName, condition, dose, warning.Unit),
				guidanceList(warning)))
		}
	}

	general, err := e.catalog.GeneralDosageWarnings(ctx, p.DrugName)
	if err != nil {
		return alerts, err
	}
	for _, w := range general {
		if w.MaxDose > 0 && dose > w.MaxDose {
			alerts = append(alerts, e.newAlert(p, AlertDosage, SeverityMajor,
				"Maximum dose exceeded",
				fmt.Sprintf("Proposed dose %g%s of %s exceeds the maximum of %g%s.",
					dose, w.Unit, p.DrugName, w.MaxDose, w.Unit),
				guidanceList(&w)))
		}
	}
	return alerts, nil
}

func outOfBounds(dose float64, w *DosageWarning) bool {
	if w.MinDose > 0 && dose < w.MinDose {
		return true
	}
	if w.MaxDose > 0 && dose > w.MaxDose {
		return true
	}
	return false
}

func guidanceList(w *DosageWarning) []string {
	if w.Guidance == "" {
		return nil
	}
	return []string{w.Guidance}
}

// checkDuplicateTherapy flags exact-name duplicates and same-class
// duplicates among active prescriptions. Both may fire together.
func (e *Engine) checkDuplicateTherapy(ctx context.Context, p Proposal) ([]Alert, error) {
	existing, err := e.activeMedications(ctx, p)
	if err != nil {
		return nil, err
	}

	var alerts []Alert
	for _, rx := range existing {
		if strings.EqualFold(rx.MedicationName, p.DrugName) {
			alerts = append(alerts, e.newAlert(p, AlertDuplicateTherapy, SeverityMajor,
				"Duplicate prescription",
				fmt.Sprintf("An active prescription for %s already exists.", rx.MedicationName),
				[]string{"Review the existing prescription before creating another"}))
			break
		}
	}

	classes, err := e.catalog.DrugClasses(ctx)
	if err != nil {
		return alerts, err
	}
	for _, class := range classes {
		if !matchesClass(p.DrugName, class) {
			continue
		}
		for _, rx := range existing {
			if strings.EqualFold(rx.MedicationName, p.DrugName) {
				continue
			}
			if matchesClass(rx.MedicationName, class) {
				alerts = append(alerts, e.newAlert(p, AlertDuplicateTherapy, SeverityModerate,
					fmt.Sprintf("Duplicate therapy class: %s", class.Name),
					fmt.Sprintf("%s and active prescription %s are both in the %s class.",
						p.DrugName, rx.MedicationName, class.Name),
					[]string{"Confirm concurrent therapy in this class is intended"}))
				break
			}
		}
	}
	return alerts, nil
}

func matchesClass(drugName string, class DrugClass) bool {
	name := strings.ToLower(drugName)
	for _, pattern := range class.Patterns {
		if strings.Contains(name, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// activeMedications fetches the patient's prescriptions and drops entries
// that no longer contribute to screening.
func (e *Engine) activeMedications(ctx context.Context, p Proposal) ([]Prescription, error) {
	prescriptions, err := e.records.ActivePrescriptions(ctx, p.PatientID, p.TenantID)
	if err != nil {
		return nil, err
	}
	active := make([]Prescription, 0, len(prescriptions))
	for _, rx := range prescriptions {
		if rx.Status == statusCancelled || rx.Status == statusDispensed {
			continue
		}
		active = append(active, rx)
	}
	return active, nil
}

func (e *Engine) newAlert(p Proposal, alertType AlertType, severity Severity, title, message string, recommendations []string) Alert {
	return Alert{
		ID:              uuid.New().String(),
		TenantID:        p.TenantID,
		PatientID:       p.PatientID,
		PrescriptionID:  p.PrescriptionID,
		Type:            alertType,
		Severity:        severity,
		Title:           title,
		Message:         message,
		Recommendations: recommendations,
		CreatedAt:       time.Now().UTC(),
	}
}
