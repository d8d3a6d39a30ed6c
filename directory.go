package expedientes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oarkflow/expedientes/logger"
)

// ============================================================================
// DIRECTORY: ROLES, AREAS AND USERS
// ============================================================================

// Directory resolves authenticated users into actors and manages the role,
// area and user catalogs. Writes require the administrator bypass.
type Directory struct {
	roles  RoleStore
	areas  AreaStore
	users  UserStore
	engine *Engine
	logger logger.Logger
	now    func() time.Time
}

func NewDirectory(roles RoleStore, areas AreaStore, users UserStore, engine *Engine, l Logger) (*Directory, error) {
	if roles == nil || areas == nil || users == nil || engine == nil {
		return nil, fmt.Errorf("directory requires role, area and user stores and an engine")
	}
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &Directory{roles: roles, areas: areas, users: users, engine: engine, logger: l, now: time.Now}, nil
}

// GetArea exposes the area catalog to the workflow.
func (d *Directory) GetArea(ctx context.Context, id string) (*Area, error) {
	return d.areas.GetArea(ctx, id)
}

// ResolveActor builds the actor for an authenticated user id. Unknown and
// inactive users are Unauthenticated.
func (d *Directory) ResolveActor(ctx context.Context, userID string) (*Actor, error) {
	const op = "resolve actor"
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, Unauthenticated(op, "missing user id")
	}
	u, err := d.users.GetUser(ctx, userID)
	if err != nil {
		if IsKind(err, KindNotFound) {
			return nil, Unauthenticated(op, "unknown user %s", userID)
		}
		return nil, wrapStore(op, err)
	}
	if !u.Active {
		return nil, Unauthenticated(op, "user %s is inactive", userID)
	}
	role, err := d.roles.GetRole(ctx, u.RoleID)
	if err != nil {
		return nil, wrapStore(op, err)
	}
	mask := u.EffectiveMask(role)
	if err := ValidateMask(mask); err != nil {
		return nil, err
	}
	return &Actor{ID: u.ID, Role: role.ID, AreaID: u.AreaID, Mask: mask}, nil
}

func (d *Directory) adminRequest(op string, actor *Actor, bit Bit, rt ResourceType, id string) *AccessRequest {
	req := &AccessRequest{Endpoint: op, Actor: actor, Bit: bit, ResourceType: rt}
	if id != "" {
		req.Resource = &ResourceSnapshot{ID: id}
	}
	return req
}

func validateRole(r *Role) error {
	const op = "validate role"
	if r == nil || strings.TrimSpace(r.ID) == "" {
		return Validation(op, "role id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return Validation(op, "role name is required")
	}
	return ValidateMask(r.Mask)
}

func validateArea(a *Area) error {
	const op = "validate area"
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return Validation(op, "area id is required")
	}
	if strings.TrimSpace(a.Name) == "" {
		return Validation(op, "area name is required")
	}
	if !a.Type.Valid() {
		return Validation(op, "unknown area type %q", a.Type)
	}
	return nil
}

func (d *Directory) validateUser(ctx context.Context, u *User) error {
	const op = "validate user"
	if u == nil || strings.TrimSpace(u.ID) == "" {
		return Validation(op, "user id is required")
	}
	if u.RoleID == "" || u.AreaID == "" {
		return Validation(op, "user %s needs a role and an area", u.ID)
	}
	if u.MaskOverride != nil {
		if err := ValidateMask(*u.MaskOverride); err != nil {
			return err
		}
	}
	if _, err := d.roles.GetRole(ctx, u.RoleID); err != nil {
		return wrapStore(op, err)
	}
	if _, err := d.areas.GetArea(ctx, u.AreaID); err != nil {
		return wrapStore(op, err)
	}
	return nil
}

// Roles

func (d *Directory) CreateRole(ctx context.Context, actor *Actor, r *Role) (*Role, error) {
	const op = "create role"
	if _, err := d.engine.AuthorizeAdmin(ctx, d.adminRequest(op, actor, BitCrear, ResourceRole, "")); err != nil {
		return nil, err
	}
	if err := validateRole(r); err != nil {
		return nil, err
	}
	now := d.now()
	r.CreatedAt, r.UpdatedAt = now, now
	if err := d.roles.CreateRole(ctx, r); err != nil {
		return nil, wrapStore(op, err)
	}
	d.logger.Info("role created", "role", r.ID, "mask", r.Mask, "actor", actor.ID)
	return r, nil
}

func (d *Directory) UpdateRole(ctx context.Context, actor *Actor, r *Role) (*Role, error) {
	const op = "update role"
	if _, err := d.engine.AuthorizeAdmin(ctx, d.adminRequest(op, actor, BitEditar, ResourceRole, roleID(r))); err != nil {
		return nil, err
	}
	if err := validateRole(r); err != nil {
		return nil, err
	}
	existing, err := d.roles.GetRole(ctx, r.ID)
	if err != nil {
		return nil, wrapStore(op, err)
	}
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = d.now()
	if err := d.roles.UpdateRole(ctx, r); err != nil {
		return nil, wrapStore(op, err)
	}
	d.logger.Info("role updated", "role", r.ID, "mask", r.Mask, "actor", actor.ID)
	return r, nil
}

func roleID(r *Role) string {
	if r == nil {
		return ""
	}
	return r.ID
}

func (d *Directory) ListRoles(ctx context.Context, actor *Actor) ([]*Role, error) {
	const op = "list roles"
	if _, err := d.engine.Authorize(ctx, d.adminRequest(op, actor, BitVer, ResourceRole, "")); err != nil {
		return nil, err
	}
	out, err := d.roles.ListRoles(ctx)
	return out, wrapStore(op, err)
}

// Areas

func (d *Directory) CreateArea(ctx context.Context, actor *Actor, a *Area) (*Area, error) {
	const op = "create area"
	if _, err := d.engine.AuthorizeAdmin(ctx, d.adminRequest(op, actor, BitCrear, ResourceArea, "")); err != nil {
		return nil, err
	}
	if err := validateArea(a); err != nil {
		return nil, err
	}
	if err := d.areas.CreateArea(ctx, a); err != nil {
		return nil, wrapStore(op, err)
	}
	d.logger.Info("area created", "area", a.ID, "type", string(a.Type), "actor", actor.ID)
	return a, nil
}

func (d *Directory) UpdateArea(ctx context.Context, actor *Actor, a *Area) (*Area, error) {
	const op = "update area"
	id := ""
	if a != nil {
		id = a.ID
	}
	if _, err := d.engine.AuthorizeAdmin(ctx, d.adminRequest(op, actor, BitEditar, ResourceArea, id)); err != nil {
		return nil, err
	}
	if err := validateArea(a); err != nil {
		return nil, err
	}
	if err := d.areas.UpdateArea(ctx, a); err != nil {
		return nil, wrapStore(op, err)
	}
	d.logger.Info("area updated", "area", a.ID, "active", a.Active, "actor", actor.ID)
	return a, nil
}

func (d *Directory) ListAreas(ctx context.Context, actor *Actor) ([]*Area, error) {
	const op = "list areas"
	if _, err := d.engine.Authorize(ctx, d.adminRequest(op, actor, BitVer, ResourceArea, "")); err != nil {
		return nil, err
	}
	out, err := d.areas.ListAreas(ctx)
	return out, wrapStore(op, err)
}

// Users

func (d *Directory) CreateUser(ctx context.Context, actor *Actor, u *User) (*User, error) {
	const op = "create user"
	if _, err := d.engine.AuthorizeAdmin(ctx, d.adminRequest(op, actor, BitCrear, ResourceUser, "")); err != nil {
		return nil, err
	}
	if err := d.validateUser(ctx, u); err != nil {
		return nil, err
	}
	now := d.now()
	u.CreatedAt, u.UpdatedAt = now, now
	if err := d.users.CreateUser(ctx, u); err != nil {
		return nil, wrapStore(op, err)
	}
	d.logger.Info("user created", "user", u.ID, "role", u.RoleID, "area", u.AreaID, "actor", actor.ID)
	return u, nil
}

func (d *Directory) UpdateUser(ctx context.Context, actor *Actor, u *User) (*User, error) {
	const op = "update user"
	id := ""
	if u != nil {
		id = u.ID
	}
	if _, err := d.engine.AuthorizeAdmin(ctx, d.adminRequest(op, actor, BitEditar, ResourceUser, id)); err != nil {
		return nil, err
	}
	if err := d.validateUser(ctx, u); err != nil {
		return nil, err
	}
	existing, err := d.users.GetUser(ctx, u.ID)
	if err != nil {
		return nil, wrapStore(op, err)
	}
	u.CreatedAt = existing.CreatedAt
	u.UpdatedAt = d.now()
	if err := d.users.UpdateUser(ctx, u); err != nil {
		return nil, wrapStore(op, err)
	}
	d.logger.Info("user updated", "user", u.ID, "active", u.Active, "actor", actor.ID)
	return u, nil
}

func (d *Directory) GetUser(ctx context.Context, actor *Actor, id string) (*User, error) {
	const op = "get user"
	if _, err := d.engine.Authorize(ctx, d.adminRequest(op, actor, BitVer, ResourceUser, id)); err != nil {
		return nil, err
	}
	u, err := d.users.GetUser(ctx, id)
	if err != nil {
		return nil, wrapStore(op, err)
	}
	return u, nil
}

func (d *Directory) ListUsers(ctx context.Context, actor *Actor, areaID string) ([]*User, error) {
	const op = "list users"
	if _, err := d.engine.Authorize(ctx, d.adminRequest(op, actor, BitVer, ResourceUser, "")); err != nil {
		return nil, err
	}
	out, err := d.users.ListUsers(ctx, areaID)
	return out, wrapStore(op, err)
}

// seed upserts catalog entries from configuration without an actor.

func (d *Directory) seedRole(ctx context.Context, r *Role) error {
	if err := validateRole(r); err != nil {
		return err
	}
	r.UpdatedAt = d.now()
	if existing, err := d.roles.GetRole(ctx, r.ID); err == nil {
		r.CreatedAt = existing.CreatedAt
		return wrapStore("seed role", d.roles.UpdateRole(ctx, r))
	} else if !IsKind(err, KindNotFound) {
		return wrapStore("seed role", err)
	}
	r.CreatedAt = r.UpdatedAt
	return wrapStore("seed role", d.roles.CreateRole(ctx, r))
}

func (d *Directory) seedArea(ctx context.Context, a *Area) error {
	if err := validateArea(a); err != nil {
		return err
	}
	if _, err := d.areas.GetArea(ctx, a.ID); err == nil {
		return wrapStore("seed area", d.areas.UpdateArea(ctx, a))
	} else if !IsKind(err, KindNotFound) {
		return wrapStore("seed area", err)
	}
	return wrapStore("seed area", d.areas.CreateArea(ctx, a))
}

func (d *Directory) seedUser(ctx context.Context, u *User) error {
	if err := d.validateUser(ctx, u); err != nil {
		return err
	}
	u.UpdatedAt = d.now()
	if existing, err := d.users.GetUser(ctx, u.ID); err == nil {
		u.CreatedAt = existing.CreatedAt
		return wrapStore("seed user", d.users.UpdateUser(ctx, u))
	} else if !IsKind(err, KindNotFound) {
		return wrapStore("seed user", err)
	}
	u.CreatedAt = u.UpdatedAt
	return wrapStore("seed user", d.users.CreateUser(ctx, u))
}
