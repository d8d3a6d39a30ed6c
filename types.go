package expedientes

import (
	"context"
	"strings"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// RoleAdmin is the role id that bypasses every check regardless of mask.
const RoleAdmin = "admin"

// Actor is the authenticated requester: user (CIP code), role, area and effective mask.
type Actor struct {
	ID     string `json:"id"`
	Role   string `json:"role"`
	AreaID string `json:"area_id"`
	Mask   int    `json:"mask"`
}

// IsAdmin reports whether the actor bypasses every check.
func (a *Actor) IsAdmin() bool {
	if a == nil {
		return false
	}
	return strings.EqualFold(a.Role, RoleAdmin) || IsBypassMask(a.Mask)
}

// Role is a named permission mask.
type Role struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Mask        int       `json:"mask" yaml:"mask"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

type AreaType string

const (
	AreaAdministrative AreaType = "administrative"
	AreaOperational    AreaType = "operational"
	AreaSpecialized    AreaType = "specialized"
)

func (t AreaType) Valid() bool {
	switch t {
	case AreaAdministrative, AreaOperational, AreaSpecialized:
		return true
	}
	return false
}

// Area is an organizational unit documents are routed between.
type Area struct {
	ID     string   `json:"id" yaml:"id"`
	Name   string   `json:"name" yaml:"name"`
	Type   AreaType `json:"type" yaml:"type"`
	Active bool     `json:"active" yaml:"active"`
}

// User is a member of the office identified by CIP code.
type User struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	RoleID       string    `json:"role_id" yaml:"role_id"`
	AreaID       string    `json:"area_id" yaml:"area_id"`
	MaskOverride *int      `json:"mask_override,omitempty" yaml:"mask_override,omitempty"`
	Active       bool      `json:"active" yaml:"active"`
	CreatedAt    time.Time `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"-"`
}

// EffectiveMask returns the override when set, otherwise the role mask.
func (u *User) EffectiveMask(role *Role) int {
	if u.MaskOverride != nil {
		return *u.MaskOverride
	}
	if role == nil {
		return MaskNone
	}
	return role.Mask
}

// DocumentState is the lifecycle state of an expediente.
type DocumentState string

const (
	StateRegistered DocumentState = "registered"
	StateInProgress DocumentState = "in_progress"
	StateObserved   DocumentState = "observed"
	StateFinalized  DocumentState = "finalized"
	StateArchived   DocumentState = "archived"
	StateCancelled  DocumentState = "cancelled"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Document is an expediente routed between areas.
type Document struct {
	ID          string        `json:"id"`
	Code        string        `json:"code"`
	Subject     string        `json:"subject"`
	State       DocumentState `json:"state"`
	AreaID      string        `json:"area_id"`
	Priority    Priority      `json:"priority"`
	CreatedBy   string        `json:"created_by"`
	AssignedTo  string        `json:"assigned_to,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	FinalizedAt *time.Time    `json:"finalized_at,omitempty"`
	DeletedAt   *time.Time    `json:"deleted_at,omitempty"`
	// Version is bumped by every committed mutation.
	Version int `json:"version"`
}

func (d *Document) Deleted() bool { return d.DeletedAt != nil }

// Snapshot returns the attributes the contextual evaluator needs.
func (d *Document) Snapshot() *ResourceSnapshot {
	return &ResourceSnapshot{ID: d.ID, OwnerID: d.CreatedBy, AreaID: d.AreaID, AssignedUserID: d.AssignedTo}
}

// ResourceType names the kind of resource a rule applies to.
type ResourceType string

const (
	ResourceDocument ResourceType = "document"
	ResourceRule     ResourceType = "contextual_rule"
	ResourceRole     ResourceType = "role"
	ResourceUser     ResourceType = "user"
	ResourceArea     ResourceType = "area"
	ResourceAudit    ResourceType = "security_event"
)

// ResourceSnapshot is the view of a resource used by contextual conditions.
type ResourceSnapshot struct {
	ID             string `json:"id"`
	OwnerID        string `json:"owner_id"`
	AreaID         string `json:"area_id"`
	AssignedUserID string `json:"assigned_user_id,omitempty"`
}

// ContextualRule narrows or extends a bit grant for (role, area, resource type).
type ContextualRule struct {
	ID           string       `json:"id" yaml:"id"`
	RoleID       string       `json:"role_id" yaml:"role_id"`
	AreaID       string       `json:"area_id" yaml:"area_id"`
	ResourceType ResourceType `json:"resource_type" yaml:"resource_type"`
	Condition    Condition    `json:"condition" yaml:"condition"`
	Action       Bit          `json:"action" yaml:"action"`
	Active       bool         `json:"active" yaml:"active"`
	CreatedBy    string       `json:"created_by,omitempty" yaml:"-"`
	CreatedAt    time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time    `json:"updated_at" yaml:"-"`
}

// LedgerAction is the kind of transition recorded in the trazabilidad ledger.
type LedgerAction string

const (
	LedgerRegister LedgerAction = "register"
	LedgerUpdate   LedgerAction = "update"
	LedgerDerive   LedgerAction = "derive"
)

// TrazabilidadEntry is one immutable row of a document's routing history.
type TrazabilidadEntry struct {
	ID              int64        `json:"id"`
	DocumentID      string       `json:"document_id"`
	OriginArea      string       `json:"origin_area"`
	DestinationArea string       `json:"destination_area,omitempty"` // empty for non-derivation actions
	Action          LedgerAction `json:"action"`
	Observations    string       `json:"observations,omitempty"`
	ActorID         string       `json:"actor_id"`
	Timestamp       time.Time    `json:"timestamp"`
}

// ReasonCode explains an access decision.
type ReasonCode string

const (
	ReasonBypass              ReasonCode = "Bypass"
	ReasonBitGranted          ReasonCode = "BitGranted"
	ReasonMissingBit          ReasonCode = "MissingBit"
	ReasonContextRuleMatched  ReasonCode = "ContextRuleMatched"
	ReasonContextRuleRejected ReasonCode = "ContextRuleRejected"
	ReasonOwner               ReasonCode = "Owner"
	ReasonNotOwner            ReasonCode = "NotOwner"
	ReasonNotAdministrator    ReasonCode = "NotAdministrator"
)

// Decision is the outcome of the access decision orchestrator.
type Decision struct {
	Allowed     bool       `json:"allowed"`
	Reason      ReasonCode `json:"reason"`
	Bit         Bit        `json:"bit"`
	MatchedRule string     `json:"matched_rule,omitempty"`
	// Rules lists the ids of the rules that were evaluated.
	Rules     []string  `json:"rules,omitempty"`
	Trace     []string  `json:"trace,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AccessRequest is what the orchestrator decides on.
type AccessRequest struct {
	Endpoint     string
	Actor        *Actor
	Bit          Bit
	ResourceType ResourceType
	// Resource is nil for actions that are not scoped to a specific resource.
	Resource *ResourceSnapshot
}

// SecurityEvent is the audit record emitted for every access decision.
type SecurityEvent struct {
	ID           string       `json:"id"`
	Timestamp    time.Time    `json:"timestamp"`
	Endpoint     string       `json:"endpoint"`
	ActorID      string       `json:"actor_id"`
	Role         string       `json:"role"`
	AreaID       string       `json:"area_id"`
	Mask         int          `json:"mask"`
	Bit          Bit          `json:"bit"`
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   string       `json:"resource_id,omitempty"`
	Allowed      bool         `json:"allowed"`
	Reason       ReasonCode   `json:"reason"`
	RuleID       string       `json:"rule_id,omitempty"`
}

// SecurityEventFilter for querying security events.
type SecurityEventFilter struct {
	ActorID   string
	Allowed   *bool
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// RuleFilter narrows ListRules; empty fields match everything.
type RuleFilter struct {
	RoleID       string
	AreaID       string
	ResourceType ResourceType
	ActiveOnly   bool
}

// DocumentFilter narrows ListDocuments; empty fields match everything.
type DocumentFilter struct {
	AreaID         string
	State          DocumentState
	Priority       Priority
	CreatedBy      string
	AssignedTo     string
	From           time.Time
	To             time.Time
	IncludeDeleted bool
	// Limit and Offset page the documents visible to the actor.
	Limit  int
	Offset int
}

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// RuleStore persists contextual rules. Deletion is a soft delete.
type RuleStore interface {
	CreateRule(ctx context.Context, r *ContextualRule) error
	UpdateRule(ctx context.Context, r *ContextualRule) error
	GetRule(ctx context.Context, id string) (*ContextualRule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]*ContextualRule, error)
	DeactivateRule(ctx context.Context, id string) error
}

// DocumentStore persists documents. Every mutation takes the ledger entry that
// must be appended in the same transaction. SaveDocument and PurgeDocument
// only succeed when doc.Version matches the stored version; on success the
// stored version (and doc.Version) is incremented.
type DocumentStore interface {
	InsertDocument(ctx context.Context, doc *Document, entry *TrazabilidadEntry) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	ListDocuments(ctx context.Context, filter DocumentFilter) ([]*Document, error)
	SaveDocument(ctx context.Context, doc *Document, entry *TrazabilidadEntry) error
	PurgeDocument(ctx context.Context, doc *Document, entry *TrazabilidadEntry) error
}

// LedgerStore reads the trazabilidad ledger; rows are only ever written by
// DocumentStore mutations.
type LedgerStore interface {
	ListEntries(ctx context.Context, documentID string) ([]*TrazabilidadEntry, error)
}

// SupervisorLookup answers whether one user supervises another.
type SupervisorLookup interface {
	IsSupervisor(ctx context.Context, supervisorID, subordinateID string) (bool, error)
}

// SecurityEventLogger receives access decision records.
type SecurityEventLogger interface {
	LogSecurityEvent(ctx context.Context, ev *SecurityEvent) error
}

// SecurityEventStore is a SecurityEventLogger that can be queried.
type SecurityEventStore interface {
	SecurityEventLogger
	ListSecurityEvents(ctx context.Context, filter SecurityEventFilter) ([]*SecurityEvent, error)
}

type RoleStore interface {
	CreateRole(ctx context.Context, r *Role) error
	UpdateRole(ctx context.Context, r *Role) error
	GetRole(ctx context.Context, id string) (*Role, error)
	ListRoles(ctx context.Context) ([]*Role, error)
}

type AreaStore interface {
	CreateArea(ctx context.Context, a *Area) error
	UpdateArea(ctx context.Context, a *Area) error
	GetArea(ctx context.Context, id string) (*Area, error)
	ListAreas(ctx context.Context) ([]*Area, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	UpdateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context, areaID string) ([]*User, error)
}
