package stores

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/oarkflow/expedientes"
)

// MemoryRuleStore implements rule persistence in-memory for testing/demo
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]*expedientes.ContextualRule
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: make(map[string]*expedientes.ContextualRule)}
}

func cloneRule(r *expedientes.ContextualRule) *expedientes.ContextualRule {
	dup := *r
	return &dup
}

func (s *MemoryRuleStore) CreateRule(ctx context.Context, r *expedientes.ContextualRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; ok {
		return expedientes.Conflict("create rule", "rule %s already exists", r.ID)
	}
	s.rules[r.ID] = cloneRule(r)
	return nil
}

func (s *MemoryRuleStore) UpdateRule(ctx context.Context, r *expedientes.ContextualRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		return expedientes.NotFound("update rule", "rule %s not found", r.ID)
	}
	s.rules[r.ID] = cloneRule(r)
	return nil
}

func (s *MemoryRuleStore) GetRule(ctx context.Context, id string) (*expedientes.ContextualRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, expedientes.NotFound("get rule", "rule %s not found", id)
	}
	return cloneRule(r), nil
}

func (s *MemoryRuleStore) ListRules(ctx context.Context, f expedientes.RuleFilter) ([]*expedientes.ContextualRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*expedientes.ContextualRule, 0)
	for _, r := range s.rules {
		if f.RoleID != "" && r.RoleID != f.RoleID {
			continue
		}
		if f.AreaID != "" && r.AreaID != f.AreaID {
			continue
		}
		if f.ResourceType != "" && r.ResourceType != f.ResourceType {
			continue
		}
		if f.ActiveOnly && !r.Active {
			continue
		}
		out = append(out, cloneRule(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryRuleStore) DeactivateRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return expedientes.NotFound("deactivate rule", "rule %s not found", id)
	}
	r.Active = false
	return nil
}

// MemoryDocumentStore keeps documents and their ledger under one lock so a
// mutation and its ledger entry are applied together.
type MemoryDocumentStore struct {
	mu      sync.RWMutex
	docs    map[string]*expedientes.Document
	ledger  map[string][]*expedientes.TrazabilidadEntry
	entryID int64
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		docs:   make(map[string]*expedientes.Document),
		ledger: make(map[string][]*expedientes.TrazabilidadEntry),
	}
}

func cloneDocument(d *expedientes.Document) *expedientes.Document {
	dup := *d
	if d.FinalizedAt != nil {
		t := *d.FinalizedAt
		dup.FinalizedAt = &t
	}
	if d.DeletedAt != nil {
		t := *d.DeletedAt
		dup.DeletedAt = &t
	}
	return &dup
}

func (s *MemoryDocumentStore) appendEntry(e *expedientes.TrazabilidadEntry) {
	e.ID = atomic.AddInt64(&s.entryID, 1)
	dup := *e
	s.ledger[e.DocumentID] = append(s.ledger[e.DocumentID], &dup)
}

func (s *MemoryDocumentStore) InsertDocument(ctx context.Context, d *expedientes.Document, e *expedientes.TrazabilidadEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[d.ID]; ok {
		return expedientes.Conflict("insert document", "document %s already exists", d.ID)
	}
	for _, other := range s.docs {
		if other.Code == d.Code {
			return expedientes.Conflict("insert document", "document code %s already exists", d.Code)
		}
	}
	if d.Version == 0 {
		d.Version = 1
	}
	s.docs[d.ID] = cloneDocument(d)
	s.appendEntry(e)
	return nil
}

func (s *MemoryDocumentStore) GetDocument(ctx context.Context, id string) (*expedientes.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, expedientes.NotFound("get document", "document %s not found", id)
	}
	return cloneDocument(d), nil
}

func matchesDocument(d *expedientes.Document, f expedientes.DocumentFilter) bool {
	switch {
	case d.Deleted() && !f.IncludeDeleted:
		return false
	case f.AreaID != "" && d.AreaID != f.AreaID:
		return false
	case f.State != "" && d.State != f.State:
		return false
	case f.Priority != "" && d.Priority != f.Priority:
		return false
	case f.CreatedBy != "" && d.CreatedBy != f.CreatedBy:
		return false
	case f.AssignedTo != "" && d.AssignedTo != f.AssignedTo:
		return false
	case !f.From.IsZero() && d.CreatedAt.Before(f.From):
		return false
	case !f.To.IsZero() && d.CreatedAt.After(f.To):
		return false
	}
	return true
}

func (s *MemoryDocumentStore) ListDocuments(ctx context.Context, f expedientes.DocumentFilter) ([]*expedientes.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*expedientes.Document, 0)
	for _, d := range s.docs {
		if matchesDocument(d, f) {
			out = append(out, cloneDocument(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []*expedientes.Document{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryDocumentStore) checkVersion(op string, d *expedientes.Document) error {
	cur, ok := s.docs[d.ID]
	if !ok {
		return expedientes.NotFound(op, "document %s not found", d.ID)
	}
	if cur.Version != d.Version {
		return expedientes.Conflict(op, "document %s was modified concurrently (version %d, stored %d)", d.ID, d.Version, cur.Version)
	}
	return nil
}

func (s *MemoryDocumentStore) SaveDocument(ctx context.Context, d *expedientes.Document, e *expedientes.TrazabilidadEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkVersion("save document", d); err != nil {
		return err
	}
	d.Version++
	s.docs[d.ID] = cloneDocument(d)
	s.appendEntry(e)
	return nil
}

func (s *MemoryDocumentStore) PurgeDocument(ctx context.Context, d *expedientes.Document, e *expedientes.TrazabilidadEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkVersion("purge document", d); err != nil {
		return err
	}
	delete(s.docs, d.ID)
	d.Version++
	s.appendEntry(e)
	return nil
}

func (s *MemoryDocumentStore) ListEntries(ctx context.Context, documentID string) ([]*expedientes.TrazabilidadEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.ledger[documentID]
	out := make([]*expedientes.TrazabilidadEntry, 0, len(src))
	for _, e := range src {
		dup := *e
		out = append(out, &dup)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MemoryDirectoryStore holds roles, areas and users in-memory
type MemoryDirectoryStore struct {
	mu    sync.RWMutex
	roles map[string]*expedientes.Role
	areas map[string]*expedientes.Area
	users map[string]*expedientes.User
}

func NewMemoryDirectoryStore() *MemoryDirectoryStore {
	return &MemoryDirectoryStore{
		roles: make(map[string]*expedientes.Role),
		areas: make(map[string]*expedientes.Area),
		users: make(map[string]*expedientes.User),
	}
}

func (s *MemoryDirectoryStore) CreateRole(ctx context.Context, r *expedientes.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[r.ID]; ok {
		return expedientes.Conflict("create role", "role %s already exists", r.ID)
	}
	dup := *r
	s.roles[r.ID] = &dup
	return nil
}

func (s *MemoryDirectoryStore) UpdateRole(ctx context.Context, r *expedientes.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[r.ID]; !ok {
		return expedientes.NotFound("update role", "role %s not found", r.ID)
	}
	dup := *r
	s.roles[r.ID] = &dup
	return nil
}

func (s *MemoryDirectoryStore) GetRole(ctx context.Context, id string) (*expedientes.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, expedientes.NotFound("get role", "role %s not found", id)
	}
	dup := *r
	return &dup, nil
}

func (s *MemoryDirectoryStore) ListRoles(ctx context.Context) ([]*expedientes.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*expedientes.Role, 0, len(s.roles))
	for _, r := range s.roles {
		dup := *r
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryDirectoryStore) CreateArea(ctx context.Context, a *expedientes.Area) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.areas[a.ID]; ok {
		return expedientes.Conflict("create area", "area %s already exists", a.ID)
	}
	dup := *a
	s.areas[a.ID] = &dup
	return nil
}

func (s *MemoryDirectoryStore) UpdateArea(ctx context.Context, a *expedientes.Area) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.areas[a.ID]; !ok {
		return expedientes.NotFound("update area", "area %s not found", a.ID)
	}
	dup := *a
	s.areas[a.ID] = &dup
	return nil
}

func (s *MemoryDirectoryStore) GetArea(ctx context.Context, id string) (*expedientes.Area, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.areas[id]
	if !ok {
		return nil, expedientes.NotFound("get area", "area %s not found", id)
	}
	dup := *a
	return &dup, nil
}

func (s *MemoryDirectoryStore) ListAreas(ctx context.Context) ([]*expedientes.Area, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*expedientes.Area, 0, len(s.areas))
	for _, a := range s.areas {
		dup := *a
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneUser(u *expedientes.User) *expedientes.User {
	dup := *u
	if u.MaskOverride != nil {
		m := *u.MaskOverride
		dup.MaskOverride = &m
	}
	return &dup
}

func (s *MemoryDirectoryStore) CreateUser(ctx context.Context, u *expedientes.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return expedientes.Conflict("create user", "user %s already exists", u.ID)
	}
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *MemoryDirectoryStore) UpdateUser(ctx context.Context, u *expedientes.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return expedientes.NotFound("update user", "user %s not found", u.ID)
	}
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *MemoryDirectoryStore) GetUser(ctx context.Context, id string) (*expedientes.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, expedientes.NotFound("get user", "user %s not found", id)
	}
	return cloneUser(u), nil
}

func (s *MemoryDirectoryStore) ListUsers(ctx context.Context, areaID string) ([]*expedientes.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*expedientes.User, 0)
	for _, u := range s.users {
		if areaID == "" || u.AreaID == areaID {
			out = append(out, cloneUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MemorySupervisorStore keeps supervisor -> subordinates in-memory
type MemorySupervisorStore struct {
	mu   sync.RWMutex
	subs map[string]map[string]struct{}
}

func NewMemorySupervisorStore() *MemorySupervisorStore {
	return &MemorySupervisorStore{subs: make(map[string]map[string]struct{})}
}

func (s *MemorySupervisorStore) AddSupervision(ctx context.Context, supervisorID, subordinateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[supervisorID] == nil {
		s.subs[supervisorID] = make(map[string]struct{})
	}
	s.subs[supervisorID][subordinateID] = struct{}{}
	return nil
}

func (s *MemorySupervisorStore) RemoveSupervision(ctx context.Context, supervisorID, subordinateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs[supervisorID], subordinateID)
	return nil
}

func (s *MemorySupervisorStore) IsSupervisor(ctx context.Context, supervisorID, subordinateID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subs[supervisorID][subordinateID]
	return ok, nil
}

// MemorySecurityEventStore keeps security events in-memory
type MemorySecurityEventStore struct {
	mu     sync.RWMutex
	events []*expedientes.SecurityEvent
}

func NewMemorySecurityEventStore() *MemorySecurityEventStore {
	return &MemorySecurityEventStore{events: make([]*expedientes.SecurityEvent, 0)}
}

func (s *MemorySecurityEventStore) LogSecurityEvent(ctx context.Context, ev *expedientes.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *ev
	s.events = append(s.events, &dup)
	return nil
}

func (s *MemorySecurityEventStore) ListSecurityEvents(ctx context.Context, f expedientes.SecurityEventFilter) ([]*expedientes.SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*expedientes.SecurityEvent, 0)
	for _, ev := range s.events {
		if f.ActorID != "" && ev.ActorID != f.ActorID {
			continue
		}
		if f.Allowed != nil && ev.Allowed != *f.Allowed {
			continue
		}
		if !f.StartTime.IsZero() && ev.Timestamp.Before(f.StartTime) {
			continue
		}
		if !f.EndTime.IsZero() && ev.Timestamp.After(f.EndTime) {
			continue
		}
		dup := *ev
		out = append(out, &dup)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
