package expedientes

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// CONTEXTUAL RULE MANAGEMENT
// ============================================================================

// ValidateRule checks required fields and normalizes the condition in place.
func ValidateRule(r *ContextualRule) error {
	const op = "validate rule"
	if r == nil {
		return Validation(op, "rule is required")
	}
	r.RoleID = strings.TrimSpace(r.RoleID)
	r.AreaID = strings.TrimSpace(r.AreaID)
	if r.RoleID == "" {
		return Validation(op, "role is required")
	}
	if r.AreaID == "" {
		return Validation(op, "area is required")
	}
	if strings.TrimSpace(string(r.ResourceType)) == "" {
		return Validation(op, "resource type is required")
	}
	cond, err := ParseCondition(string(r.Condition))
	if err != nil {
		return err
	}
	r.Condition = cond
	if !r.Action.Valid() {
		return Validation(op, "action bit %d out of range [0,7]", uint8(r.Action))
	}
	return nil
}

func (e *Engine) ruleRequest(op string, actor *Actor, bit Bit) *AccessRequest {
	return &AccessRequest{Endpoint: op, Actor: actor, Bit: bit, ResourceType: ResourceRule}
}

// CreateRule stores a new active rule. Duplicate-looking rules are accepted.
func (e *Engine) CreateRule(ctx context.Context, actor *Actor, r *ContextualRule) (*ContextualRule, error) {
	const op = "create rule"
	if _, err := e.AuthorizeAdmin(ctx, e.ruleRequest(op, actor, BitCrear)); err != nil {
		return nil, err
	}
	if err := ValidateRule(r); err != nil {
		return nil, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := e.now()
	r.Active = true
	r.CreatedBy = actor.ID
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := e.rules.CreateRule(ctx, r); err != nil {
		return nil, wrapStore(op, err)
	}
	e.InvalidateRuleCache()
	e.logger.Info("contextual rule created", "rule", r.ID, "role", r.RoleID, "area", r.AreaID, "condition", string(r.Condition), "action", r.Action.Name(), "actor", actor.ID)
	return r, nil
}

// UpdateRule replaces the mutable fields of an existing rule.
func (e *Engine) UpdateRule(ctx context.Context, actor *Actor, r *ContextualRule) (*ContextualRule, error) {
	const op = "update rule"
	if _, err := e.AuthorizeAdmin(ctx, e.ruleRequest(op, actor, BitEditar)); err != nil {
		return nil, err
	}
	if err := ValidateRule(r); err != nil {
		return nil, err
	}
	existing, err := e.rules.GetRule(ctx, r.ID)
	if err != nil {
		return nil, wrapStore(op, err)
	}
	r.CreatedBy = existing.CreatedBy
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = e.now()
	if err := e.rules.UpdateRule(ctx, r); err != nil {
		return nil, wrapStore(op, err)
	}
	e.InvalidateRuleCache()
	e.logger.Info("contextual rule updated", "rule", r.ID, "active", r.Active, "actor", actor.ID)
	return r, nil
}

func (e *Engine) GetRule(ctx context.Context, actor *Actor, id string) (*ContextualRule, error) {
	const op = "get rule"
	if _, err := e.AuthorizeAdmin(ctx, e.ruleRequest(op, actor, BitVer)); err != nil {
		return nil, err
	}
	r, err := e.rules.GetRule(ctx, id)
	if err != nil {
		return nil, wrapStore(op, err)
	}
	return r, nil
}

func (e *Engine) ListRules(ctx context.Context, actor *Actor, filter RuleFilter) ([]*ContextualRule, error) {
	const op = "list rules"
	if _, err := e.AuthorizeAdmin(ctx, e.ruleRequest(op, actor, BitVer)); err != nil {
		return nil, err
	}
	out, err := e.rules.ListRules(ctx, filter)
	if err != nil {
		return nil, wrapStore(op, err)
	}
	return out, nil
}

// DeleteRule flags the rule inactive; rules are never physically removed.
func (e *Engine) DeleteRule(ctx context.Context, actor *Actor, id string) error {
	const op = "delete rule"
	if _, err := e.AuthorizeAdmin(ctx, e.ruleRequest(op, actor, BitEliminar)); err != nil {
		return err
	}
	if err := e.rules.DeactivateRule(ctx, id); err != nil {
		return wrapStore(op, err)
	}
	e.InvalidateRuleCache()
	e.logger.Info("contextual rule deactivated", "rule", id, "actor", actor.ID)
	return nil
}

// seedRule writes a rule from configuration without an actor.
func (e *Engine) seedRule(ctx context.Context, r *ContextualRule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}
	now := time.Now()
	r.UpdatedAt = now
	if _, err := e.rules.GetRule(ctx, r.ID); err == nil {
		return wrapStore("seed rule", e.rules.UpdateRule(ctx, r))
	} else if !IsKind(err, KindNotFound) {
		return wrapStore("seed rule", err)
	}
	r.CreatedAt = now
	return wrapStore("seed rule", e.rules.CreateRule(ctx, r))
}
