package stores

import (
	"context"

	"github.com/oarkflow/squealx"
)

// SQLSupervisorStore persists supervisor -> subordinate relations in SQL
type SQLSupervisorStore struct {
	db *squealx.DB
}

func NewSQLSupervisorStore(db *squealx.DB) *SQLSupervisorStore {
	return &SQLSupervisorStore{db: db}
}

func (s *SQLSupervisorStore) AddSupervision(ctx context.Context, supervisorID, subordinateID string) error {
	q := `INSERT OR IGNORE INTO supervisors(supervisor_id, subordinate_id) VALUES(:supervisor_id, :subordinate_id)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"supervisor_id": supervisorID, "subordinate_id": subordinateID})
	return err
}

func (s *SQLSupervisorStore) RemoveSupervision(ctx context.Context, supervisorID, subordinateID string) error {
	q := `DELETE FROM supervisors WHERE supervisor_id = :supervisor_id AND subordinate_id = :subordinate_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"supervisor_id": supervisorID, "subordinate_id": subordinateID})
	return err
}

func (s *SQLSupervisorStore) IsSupervisor(ctx context.Context, supervisorID, subordinateID string) (bool, error) {
	q := `SELECT 1 FROM supervisors WHERE supervisor_id = :supervisor_id AND subordinate_id = :subordinate_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"supervisor_id": supervisorID, "subordinate_id": subordinateID})
	if err != nil {
		return false, err
	}
	defer r.Close()
	found := r.Next()
	return found, r.Err()
}

func (s *SQLSupervisorStore) ListSubordinates(ctx context.Context, supervisorID string) ([]string, error) {
	q := `SELECT subordinate_id FROM supervisors WHERE supervisor_id = :supervisor_id ORDER BY subordinate_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"supervisor_id": supervisorID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]string, 0)
	for r.Next() {
		var id string
		if err := r.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, r.Err()
}
