package stores

import (
	"context"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/expedientes"
)

// SQLRuleStore persists contextual rules in SQL (squealx). The condition
// column is read back verbatim so a malformed stored value reaches the
// evaluator and surfaces as an Internal error.
type SQLRuleStore struct {
	db *squealx.DB
}

func NewSQLRuleStore(db *squealx.DB) *SQLRuleStore {
	return &SQLRuleStore{db: db}
}

const ruleColumns = `id, role_id, area_id, resource_type, rule_condition, action, active, created_by, created_at, updated_at`

func ruleParams(r *expedientes.ContextualRule) map[string]any {
	return map[string]any{
		"id":             r.ID,
		"role_id":        r.RoleID,
		"area_id":        r.AreaID,
		"resource_type":  string(r.ResourceType),
		"rule_condition": string(r.Condition),
		"action":         int(r.Action),
		"active":         boolToInt(r.Active),
		"created_by":     r.CreatedBy,
		"created_at":     nanos(r.CreatedAt),
		"updated_at":     nanos(r.UpdatedAt),
	}
}

func (s *SQLRuleStore) CreateRule(ctx context.Context, r *expedientes.ContextualRule) error {
	q := `INSERT INTO contextual_rules(` + ruleColumns + `) VALUES(:id, :role_id, :area_id, :resource_type, :rule_condition, :action, :active, :created_by, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, ruleParams(r))
	return err
}

func (s *SQLRuleStore) UpdateRule(ctx context.Context, r *expedientes.ContextualRule) error {
	q := `UPDATE contextual_rules SET role_id=:role_id, area_id=:area_id, resource_type=:resource_type, rule_condition=:rule_condition, action=:action, active=:active, updated_at=:updated_at WHERE id=:id`
	res, err := s.db.NamedExecContext(ctx, q, ruleParams(r))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return expedientes.NotFound("update rule", "rule %s not found", r.ID)
	}
	return nil
}

func (s *SQLRuleStore) DeactivateRule(ctx context.Context, id string) error {
	q := `UPDATE contextual_rules SET active = 0 WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return expedientes.NotFound("deactivate rule", "rule %s not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(r rowScanner) (*expedientes.ContextualRule, error) {
	var (
		rule                   expedientes.ContextualRule
		resourceType, cond     string
		action, active         int
		createdRaw, updatedRaw any
	)
	if err := r.Scan(&rule.ID, &rule.RoleID, &rule.AreaID, &resourceType, &cond, &action, &active, &rule.CreatedBy, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	if action < 0 || action > 255 {
		return nil, fmt.Errorf("rule %s: stored action %d out of range", rule.ID, action)
	}
	rule.ResourceType = expedientes.ResourceType(resourceType)
	rule.Condition = expedientes.Condition(cond)
	rule.Action = expedientes.Bit(action)
	rule.Active = active != 0
	rule.CreatedAt = timeFrom(createdRaw)
	rule.UpdatedAt = timeFrom(updatedRaw)
	return &rule, nil
}

func (s *SQLRuleStore) GetRule(ctx context.Context, id string) (*expedientes.ContextualRule, error) {
	q := `SELECT ` + ruleColumns + ` FROM contextual_rules WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, expedientes.NotFound("get rule", "rule %s not found", id)
	}
	return scanRule(r)
}

func (s *SQLRuleStore) ListRules(ctx context.Context, f expedientes.RuleFilter) ([]*expedientes.ContextualRule, error) {
	q := `SELECT ` + ruleColumns + ` FROM contextual_rules WHERE 1=1`
	params := map[string]any{}
	if f.RoleID != "" {
		q += " AND role_id = :role_id"
		params["role_id"] = f.RoleID
	}
	if f.AreaID != "" {
		q += " AND area_id = :area_id"
		params["area_id"] = f.AreaID
	}
	if f.ResourceType != "" {
		q += " AND resource_type = :resource_type"
		params["resource_type"] = string(f.ResourceType)
	}
	if f.ActiveOnly {
		q += " AND active = 1"
	}
	q += " ORDER BY id"
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*expedientes.ContextualRule, 0)
	for r.Next() {
		rule, err := scanRule(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, r.Err()
}
