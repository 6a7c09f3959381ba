package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medgrid/safecore/internal/domain/clinical"
)

// RuleCatalog implements clinical.RuleCatalog over Postgres reference
// tables. The tables are read-only to this core; rule content is loaded by a
// separate curation pipeline.
type RuleCatalog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRuleCatalog creates a rule catalog.
func NewRuleCatalog(pool *pgxpool.Pool, logger *zap.Logger) *RuleCatalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleCatalog{pool: pool, logger: logger}
}

// FindInteraction looks up a rule for the unordered drug pair.
func (c *RuleCatalog) FindInteraction(ctx context.Context, drugA, drugB string) (*clinical.InteractionRule, error) {
	query := `
		SELECT drug_a, drug_b, severity, description,
		       COALESCE(clinical_impact, ''), COALESCE(management, '')
		FROM drug_interactions
		WHERE (LOWER(drug_a) = LOWER($1) AND LOWER(drug_b) = LOWER($2))
		   OR (LOWER(drug_a) = LOWER($2) AND LOWER(drug_b) = LOWER($1))
		LIMIT 1
	`
	rule := &clinical.InteractionRule{}
	err := c.pool.QueryRow(ctx, query, drugA, drugB).Scan(
		&rule.DrugA, &rule.DrugB, &rule.Severity,
		&rule.Description, &rule.ClinicalImpact, &rule.Management,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query interaction: %w", err)
	}
	return rule, nil
}

// FindDosageWarning returns the warning for a drug under a specific patient
// condition, or nil when no row exists for the pair.
func (c *RuleCatalog) FindDosageWarning(ctx context.Context, drugName, condition string) (*clinical.DosageWarning, error) {
	query := `
		SELECT drug_name, condition, COALESCE(min_dose, 0), COALESCE(max_dose, 0),
		       COALESCE(unit, ''), COALESCE(guidance, '')
		FROM dosage_warnings
		WHERE LOWER(drug_name) = LOWER($1) AND LOWER(condition) = LOWER($2)
		LIMIT 1
	`
	w := &clinical.DosageWarning{}
	err := c.pool.QueryRow(ctx, query, drugName, condition).Scan(
		&w.DrugName, &w.Condition, &w.MinDose, &w.MaxDose, &w.Unit, &w.Guidance,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query dosage warning: %w", err)
	}
	return w, nil
}

// GeneralDosageWarnings returns condition-independent warnings for a drug.
func (c *RuleCatalog) GeneralDosageWarnings(ctx context.Context, drugName string) ([]clinical.DosageWarning, error) {
	query := `
		SELECT drug_name, COALESCE(condition, ''), COALESCE(min_dose, 0), COALESCE(max_dose, 0),
		       COALESCE(unit, ''), COALESCE(guidance, '')
		FROM dosage_warnings
		WHERE LOWER(drug_name) = LOWER($1) AND (condition IS NULL OR condition = '')
	`
	rows, err := c.pool.Query(ctx, query, drugName)
	if err != nil {
		return nil, fmt.Errorf("query general dosage warnings: %w", err)
	}
	defer rows.Close()

	var warnings []clinical.DosageWarning
	for rows.Next() {
		var w clinical.DosageWarning
		if err := rows.Scan(&w.DrugName, &w.Condition, &w.MinDose, &w.MaxDose, &w.Unit, &w.Guidance); err != nil {
			return nil, fmt.Errorf("scan dosage warning: %w", err)
		}
		warnings = append(warnings, w)
	}
	return warnings, rows.Err()
}

// DrugClasses returns the duplicate-therapy classification table. The table
// is data, not code: adding a class is a row insert, not an engine change.
func (c *RuleCatalog) DrugClasses(ctx context.Context) ([]clinical.DrugClass, error) {
	query := `SELECT name, patterns FROM drug_classes ORDER BY name`
	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query drug classes: %w", err)
	}
	defer rows.Close()

	var classes []clinical.DrugClass
	for rows.Next() {
		var class clinical.DrugClass
		if err := rows.Scan(&class.Name, &class.Patterns); err != nil {
			return nil, fmt.Errorf("scan drug class: %w", err)
		}
		classes = append(classes, class)
	}
	return classes, rows.Err()
}
