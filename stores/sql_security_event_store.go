package stores

import (
	"context"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/expedientes"
)

// SQLSecurityEventStore persists access decisions in SQL
type SQLSecurityEventStore struct {
	db *squealx.DB
}

func NewSQLSecurityEventStore(db *squealx.DB) *SQLSecurityEventStore {
	return &SQLSecurityEventStore{db: db}
}

func (s *SQLSecurityEventStore) LogSecurityEvent(ctx context.Context, ev *expedientes.SecurityEvent) error {
	q := `INSERT INTO security_events(id, timestamp, endpoint, actor_id, role, area_id, mask, bit, resource_type, resource_id, allowed, reason, rule_id) VALUES(:id, :timestamp, :endpoint, :actor_id, :role, :area_id, :mask, :bit, :resource_type, :resource_id, :allowed, :reason, :rule_id)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            ev.ID,
		"timestamp":     nanos(ev.Timestamp),
		"endpoint":      ev.Endpoint,
		"actor_id":      ev.ActorID,
		"role":          ev.Role,
		"area_id":       ev.AreaID,
		"mask":          ev.Mask,
		"bit":           int(ev.Bit),
		"resource_type": string(ev.ResourceType),
		"resource_id":   ev.ResourceID,
		"allowed":       boolToInt(ev.Allowed),
		"reason":        string(ev.Reason),
		"rule_id":       ev.RuleID,
	})
	return err
}

func (s *SQLSecurityEventStore) ListSecurityEvents(ctx context.Context, filter expedientes.SecurityEventFilter) ([]*expedientes.SecurityEvent, error) {
	q := `SELECT id, timestamp, endpoint, actor_id, role, area_id, mask, bit, resource_type, resource_id, allowed, reason, rule_id FROM security_events WHERE 1=1`
	params := map[string]any{}
	if filter.ActorID != "" {
		q += " AND actor_id = :actor_id"
		params["actor_id"] = filter.ActorID
	}
	if filter.Allowed != nil {
		q += " AND allowed = :allowed"
		params["allowed"] = boolToInt(*filter.Allowed)
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = nanos(filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = nanos(filter.EndTime)
	}
	q += " ORDER BY timestamp, id"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*expedientes.SecurityEvent, 0)
	for r.Next() {
		var (
			ev                   expedientes.SecurityEvent
			tsRaw                any
			bit, allowed         int
			resourceType, reason string
		)
		if err := r.Scan(&ev.ID, &tsRaw, &ev.Endpoint, &ev.ActorID, &ev.Role, &ev.AreaID, &ev.Mask, &bit, &resourceType, &ev.ResourceID, &allowed, &reason, &ev.RuleID); err != nil {
			return nil, err
		}
		ev.Timestamp = timeFrom(tsRaw)
		ev.Bit = expedientes.Bit(bit)
		ev.ResourceType = expedientes.ResourceType(resourceType)
		ev.Allowed = allowed != 0
		ev.Reason = expedientes.ReasonCode(reason)
		out = append(out, &ev)
	}
	return out, r.Err()
}
