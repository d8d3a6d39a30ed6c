package expedientes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Condition is the relationship a contextual rule requires between the
// requester and the resource.
type Condition string

const (
	ConditionOwner      Condition = "owner"
	ConditionSameArea   Condition = "same_area"
	ConditionAssigned   Condition = "assigned"
	ConditionSupervisor Condition = "supervisor"
)

func (c Condition) Valid() bool {
	switch c {
	case ConditionOwner, ConditionSameArea, ConditionAssigned, ConditionSupervisor:
		return true
	}
	return false
}

// ParseCondition normalizes the accepted spellings of a condition: the
// canonical snake_case name, the CamelCase name, or a legacy JSON object
// such as {"tipo":"propietario"} / {"type":"Owner"}.
func ParseCondition(s string) (Condition, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return "", Validation("parse condition", "condition is required")
	}
	if strings.HasPrefix(raw, "{") {
		v, err := conditionFromJSON(raw)
		if err != nil {
			return "", Validation("parse condition", "malformed condition %q: %v", raw, err)
		}
		raw = v
	}
	key := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(raw))
	switch key {
	case "owner", "propietario", "creador":
		return ConditionOwner, nil
	case "samearea", "mismaarea", "area":
		return ConditionSameArea, nil
	case "assigned", "asignado":
		return ConditionAssigned, nil
	case "supervisor":
		return ConditionSupervisor, nil
	}
	return "", Validation("parse condition", "unknown condition %q", s)
}

// conditionFromJSON extracts the condition name from the JSON objects older
// deployments stored in the condition column.
func conditionFromJSON(raw string) (string, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return "", err
	}
	for _, k := range []string{"type", "tipo", "condition", "condicion"} {
		if v, ok := obj[k].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("no condition type field")
}

func (c *Condition) UnmarshalText(text []byte) error {
	v, err := ParseCondition(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ============================================================================
// CONTEXTUAL CONDITION EVALUATOR
// ============================================================================

// ConditionEvaluator matches a rule condition against a requester and a
// resource snapshot.
type ConditionEvaluator struct {
	supervisors SupervisorLookup
}

func NewConditionEvaluator(supervisors SupervisorLookup) *ConditionEvaluator {
	return &ConditionEvaluator{supervisors: supervisors}
}

// Match never reports a match for a missing resource. Unknown conditions and
// supervisor lookup failures are returned as Internal errors so that a
// misconfigured rule is visible instead of silently allowing or denying.
func (ev *ConditionEvaluator) Match(ctx context.Context, cond Condition, actor *Actor, res *ResourceSnapshot) (bool, error) {
	const op = "evaluate condition"
	if !cond.Valid() {
		return false, Internal(op, fmt.Errorf("malformed stored condition %q", string(cond)))
	}
	if actor == nil || res == nil {
		return false, nil
	}
	switch cond {
	case ConditionOwner:
		return res.OwnerID != "" && res.OwnerID == actor.ID, nil
	case ConditionSameArea:
		return res.AreaID != "" && res.AreaID == actor.AreaID, nil
	case ConditionAssigned:
		return res.AssignedUserID != "" && res.AssignedUserID == actor.ID, nil
	case ConditionSupervisor:
		if res.OwnerID == "" {
			return false, nil
		}
		if ev.supervisors == nil {
			return false, Internal(op, fmt.Errorf("supervisor condition used without a supervisor lookup"))
		}
		ok, err := ev.supervisors.IsSupervisor(ctx, actor.ID, res.OwnerID)
		if err != nil {
			return false, Internal(op, err)
		}
		return ok, nil
	}
	return false, nil
}
