package stores

import (
	"context"
	"database/sql"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/expedientes"
)

// SQLDirectoryStore persists roles, areas and users in SQL (squealx)
type SQLDirectoryStore struct {
	db *squealx.DB
}

func NewSQLDirectoryStore(db *squealx.DB) *SQLDirectoryStore {
	return &SQLDirectoryStore{db: db}
}

func notFoundIfNone(res sql.Result, op, what, id string) error {
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return expedientes.NotFound(op, "%s %s not found", what, id)
	}
	return nil
}

// Roles

func (s *SQLDirectoryStore) CreateRole(ctx context.Context, r *expedientes.Role) error {
	q := `INSERT INTO roles(id, name, mask, description, created_at, updated_at) VALUES(:id, :name, :mask, :description, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": r.ID, "name": r.Name, "mask": r.Mask, "description": r.Description, "created_at": nanos(r.CreatedAt), "updated_at": nanos(r.UpdatedAt)})
	return err
}

func (s *SQLDirectoryStore) UpdateRole(ctx context.Context, r *expedientes.Role) error {
	q := `UPDATE roles SET name=:name, mask=:mask, description=:description, updated_at=:updated_at WHERE id=:id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": r.ID, "name": r.Name, "mask": r.Mask, "description": r.Description, "updated_at": nanos(r.UpdatedAt)})
	if err != nil {
		return err
	}
	return notFoundIfNone(res, "update role", "role", r.ID)
}

func scanRole(r rowScanner) (*expedientes.Role, error) {
	var (
		role                   expedientes.Role
		createdRaw, updatedRaw any
	)
	if err := r.Scan(&role.ID, &role.Name, &role.Mask, &role.Description, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	role.CreatedAt = timeFrom(createdRaw)
	role.UpdatedAt = timeFrom(updatedRaw)
	return &role, nil
}

func (s *SQLDirectoryStore) GetRole(ctx context.Context, id string) (*expedientes.Role, error) {
	q := `SELECT id, name, mask, description, created_at, updated_at FROM roles WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, expedientes.NotFound("get role", "role %s not found", id)
	}
	return scanRole(r)
}

func (s *SQLDirectoryStore) ListRoles(ctx context.Context) ([]*expedientes.Role, error) {
	q := `SELECT id, name, mask, description, created_at, updated_at FROM roles ORDER BY id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*expedientes.Role, 0)
	for r.Next() {
		role, err := scanRole(r)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, r.Err()
}

// Areas

func (s *SQLDirectoryStore) CreateArea(ctx context.Context, a *expedientes.Area) error {
	q := `INSERT INTO areas(id, name, type, active) VALUES(:id, :name, :type, :active)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": a.ID, "name": a.Name, "type": string(a.Type), "active": boolToInt(a.Active)})
	return err
}

func (s *SQLDirectoryStore) UpdateArea(ctx context.Context, a *expedientes.Area) error {
	q := `UPDATE areas SET name=:name, type=:type, active=:active WHERE id=:id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": a.ID, "name": a.Name, "type": string(a.Type), "active": boolToInt(a.Active)})
	if err != nil {
		return err
	}
	return notFoundIfNone(res, "update area", "area", a.ID)
}

func scanArea(r rowScanner) (*expedientes.Area, error) {
	var (
		a      expedientes.Area
		typ    string
		active int
	)
	if err := r.Scan(&a.ID, &a.Name, &typ, &active); err != nil {
		return nil, err
	}
	a.Type = expedientes.AreaType(typ)
	a.Active = active != 0
	return &a, nil
}

func (s *SQLDirectoryStore) GetArea(ctx context.Context, id string) (*expedientes.Area, error) {
	q := `SELECT id, name, type, active FROM areas WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, expedientes.NotFound("get area", "area %s not found", id)
	}
	return scanArea(r)
}

func (s *SQLDirectoryStore) ListAreas(ctx context.Context) ([]*expedientes.Area, error) {
	q := `SELECT id, name, type, active FROM areas ORDER BY id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*expedientes.Area, 0)
	for r.Next() {
		a, err := scanArea(r)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, r.Err()
}

// Users

func userParams(u *expedientes.User) map[string]any {
	var override any
	if u.MaskOverride != nil {
		override = *u.MaskOverride
	}
	return map[string]any{
		"id":            u.ID,
		"name":          u.Name,
		"role_id":       u.RoleID,
		"area_id":       u.AreaID,
		"mask_override": override,
		"active":        boolToInt(u.Active),
		"created_at":    nanos(u.CreatedAt),
		"updated_at":    nanos(u.UpdatedAt),
	}
}

func (s *SQLDirectoryStore) CreateUser(ctx context.Context, u *expedientes.User) error {
	q := `INSERT INTO users(id, name, role_id, area_id, mask_override, active, created_at, updated_at) VALUES(:id, :name, :role_id, :area_id, :mask_override, :active, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, userParams(u))
	return err
}

func (s *SQLDirectoryStore) UpdateUser(ctx context.Context, u *expedientes.User) error {
	q := `UPDATE users SET name=:name, role_id=:role_id, area_id=:area_id, mask_override=:mask_override, active=:active, updated_at=:updated_at WHERE id=:id`
	res, err := s.db.NamedExecContext(ctx, q, userParams(u))
	if err != nil {
		return err
	}
	return notFoundIfNone(res, "update user", "user", u.ID)
}

const userColumns = `id, name, role_id, area_id, mask_override, active, created_at, updated_at`

func scanUser(r rowScanner) (*expedientes.User, error) {
	var (
		u                      expedientes.User
		override               sql.NullInt64
		active                 int
		createdRaw, updatedRaw any
	)
	if err := r.Scan(&u.ID, &u.Name, &u.RoleID, &u.AreaID, &override, &active, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	if override.Valid {
		m := int(override.Int64)
		u.MaskOverride = &m
	}
	u.Active = active != 0
	u.CreatedAt = timeFrom(createdRaw)
	u.UpdatedAt = timeFrom(updatedRaw)
	return &u, nil
}

func (s *SQLDirectoryStore) GetUser(ctx context.Context, id string) (*expedientes.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, expedientes.NotFound("get user", "user %s not found", id)
	}
	return scanUser(r)
}

func (s *SQLDirectoryStore) ListUsers(ctx context.Context, areaID string) ([]*expedientes.User, error) {
	q := `SELECT ` + userColumns + ` FROM users`
	params := map[string]any{}
	if areaID != "" {
		q += " WHERE area_id = :area_id"
		params["area_id"] = areaID
	}
	q += " ORDER BY id"
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*expedientes.User, 0)
	for r.Next() {
		u, err := scanUser(r)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, r.Err()
}
