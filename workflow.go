package expedientes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/expedientes/logger"
)

// ============================================================================
// DOCUMENT STATE GRAPH
// ============================================================================

var transitions = map[DocumentState][]DocumentState{
	StateRegistered: {StateInProgress, StateCancelled},
	StateInProgress: {StateObserved, StateFinalized, StateCancelled},
	StateObserved:   {StateInProgress},
	StateFinalized:  {StateArchived},
}

func (s DocumentState) Valid() bool {
	switch s {
	case StateRegistered, StateInProgress, StateObserved, StateFinalized, StateArchived, StateCancelled:
		return true
	}
	return false
}

// Terminal states accept no further edit or derivation.
func (s DocumentState) Terminal() bool {
	return s == StateFinalized || s == StateArchived || s == StateCancelled
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to DocumentState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NextStates returns the legal targets of a status change from s.
func NextStates(s DocumentState) []DocumentState {
	out := make([]DocumentState, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// ============================================================================
// WORKFLOW
// ============================================================================

// AreaLookup resolves areas referenced by registrations and derivations.
type AreaLookup interface {
	GetArea(ctx context.Context, id string) (*Area, error)
}

// Workflow performs guarded document transitions. Every mutation is a single
// store call that updates the document and appends exactly one ledger entry.
type Workflow struct {
	engine  *Engine
	docs    DocumentStore
	ledger  LedgerStore
	areas   AreaLookup
	logger  logger.Logger
	metrics *Metrics
	now     func() time.Time
}

type WorkflowOption func(*Workflow)

func WithWorkflowLogger(l Logger) WorkflowOption {
	return func(w *Workflow) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithWorkflowMetrics(m *Metrics) WorkflowOption {
	return func(w *Workflow) { w.metrics = m }
}

func WithWorkflowClock(now func() time.Time) WorkflowOption {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

func NewWorkflow(engine *Engine, docs DocumentStore, ledger LedgerStore, areas AreaLookup, opts ...WorkflowOption) (*Workflow, error) {
	if engine == nil || docs == nil || ledger == nil || areas == nil {
		return nil, fmt.Errorf("workflow requires an engine, a document store, a ledger and an area lookup")
	}
	w := &Workflow{
		engine: engine,
		docs:   docs,
		ledger: ledger,
		areas:  areas,
		logger: logger.NewNullLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// RegisterInput describes a new expediente received by an area.
type RegisterInput struct {
	Subject           string   `json:"subject"`
	OriginAreaID      string   `json:"origin_area_id"`
	DestinationAreaID string   `json:"destination_area_id,omitempty"`
	Priority          Priority `json:"priority,omitempty"`
	AssignedTo        string   `json:"assigned_to,omitempty"`
	Observations      string   `json:"observations,omitempty"`
}

// UpdateInput lists the editable fields; nil leaves a field unchanged and an
// empty AssignedTo clears the assignee.
type UpdateInput struct {
	Subject      *string   `json:"subject,omitempty"`
	Priority     *Priority `json:"priority,omitempty"`
	AssignedTo   *string   `json:"assigned_to,omitempty"`
	Observations string    `json:"observations,omitempty"`
}

type DeriveInput struct {
	DestinationAreaID string `json:"destination_area_id"`
	Urgent            bool   `json:"urgent,omitempty"`
	Reason            string `json:"reason,omitempty"`
	AssignedTo        string `json:"assigned_to,omitempty"`
}

// DocumentExport is a document with its full routing history.
type DocumentExport struct {
	Document *Document             `json:"document"`
	History  []*TrazabilidadEntry `json:"history"`
}

func (w *Workflow) request(op string, actor *Actor, bit Bit, res *ResourceSnapshot) *AccessRequest {
	return &AccessRequest{Endpoint: op, Actor: actor, Bit: bit, ResourceType: ResourceDocument, Resource: res}
}

// stamp returns a timestamp strictly after the document's last mutation so
// ledger entries of one document are strictly ordered.
func (w *Workflow) stamp(doc *Document) time.Time {
	t := w.now().UTC()
	if doc != nil && !t.After(doc.UpdatedAt) {
		t = doc.UpdatedAt.Add(time.Microsecond)
	}
	return t
}

func newDocumentCode(t time.Time) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return fmt.Sprintf("EXP-%d-%s", t.Year(), id[:8])
}

func (w *Workflow) requireArea(ctx context.Context, op, id string) error {
	a, err := w.areas.GetArea(ctx, id)
	if err != nil {
		return wrapStore(op, err)
	}
	if !a.Active {
		return Conflict(op, "area %s is inactive", id)
	}
	return nil
}

// load fetches a document for mutation. Deleted documents are only accepted
// when allowDeleted is set.
func (w *Workflow) load(ctx context.Context, op, id string, allowDeleted bool) (*Document, error) {
	if strings.TrimSpace(id) == "" {
		return nil, Validation(op, "document id is required")
	}
	doc, err := w.docs.GetDocument(ctx, id)
	if err != nil {
		return nil, wrapStore(op, err)
	}
	if doc.Deleted() && !allowDeleted {
		return nil, Conflict(op, "document %s is deleted", id)
	}
	return doc, nil
}

func (w *Workflow) done(op string, doc *Document, actor *Actor, err error) {
	w.metrics.transition(op, err)
	if err != nil {
		if KindOf(err) == KindInternal {
			w.logger.Error("workflow operation failed", "op", op, "actor", actorID(actor), "error", err)
		}
		return
	}
	w.logger.Info("workflow transition", "op", op, "document", doc.ID, "state", string(doc.State), "area", doc.AreaID, "version", doc.Version, "actor", actor.ID)
}

func actorID(a *Actor) string {
	if a == nil {
		return ""
	}
	return a.ID
}

// Register creates a document in Registered state routed to the destination
// area (the origin area when no destination is given).
func (w *Workflow) Register(ctx context.Context, actor *Actor, in RegisterInput) (doc *Document, err error) {
	const op = "register"
	defer func() { w.done(op, doc, actor, err) }()
	in.Subject = strings.TrimSpace(in.Subject)
	if in.Subject == "" {
		return nil, Validation(op, "subject is required")
	}
	if in.OriginAreaID == "" {
		return nil, Validation(op, "origin area is required")
	}
	if in.DestinationAreaID == "" {
		in.DestinationAreaID = in.OriginAreaID
	}
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}
	if !in.Priority.Valid() {
		return nil, Validation(op, "unknown priority %q", in.Priority)
	}
	if err := w.requireArea(ctx, op, in.OriginAreaID); err != nil {
		return nil, err
	}
	if in.DestinationAreaID != in.OriginAreaID {
		if err := w.requireArea(ctx, op, in.DestinationAreaID); err != nil {
			return nil, err
		}
	}
	if actor == nil {
		return nil, Unauthenticated(op, "no authenticated actor")
	}
	res := &ResourceSnapshot{OwnerID: actor.ID, AreaID: in.OriginAreaID, AssignedUserID: in.AssignedTo}
	if _, err := w.engine.Authorize(ctx, w.request(op, actor, BitCrear, res)); err != nil {
		return nil, err
	}
	now := w.stamp(nil)
	d := &Document{
		ID:         uuid.NewString(),
		Code:       newDocumentCode(now),
		Subject:    in.Subject,
		State:      StateRegistered,
		AreaID:     in.DestinationAreaID,
		Priority:   in.Priority,
		CreatedBy:  actor.ID,
		AssignedTo: in.AssignedTo,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	entry := &TrazabilidadEntry{
		DocumentID:      d.ID,
		OriginArea:      in.OriginAreaID,
		DestinationArea: in.DestinationAreaID,
		Action:          LedgerRegister,
		Observations:    in.Observations,
		ActorID:         actor.ID,
		Timestamp:       now,
	}
	if err := w.docs.InsertDocument(ctx, d, entry); err != nil {
		return nil, wrapStore(op, err)
	}
	return d, nil
}

// Update edits subject, priority or assignee of a non-terminal document.
func (w *Workflow) Update(ctx context.Context, actor *Actor, id string, in UpdateInput) (doc *Document, err error) {
	const op = "update"
	defer func() { w.done(op, doc, actor, err) }()
	d, err := w.load(ctx, op, id, false)
	if err != nil {
		return nil, err
	}
	if d.State.Terminal() {
		return nil, Conflict(op, "document %s is %s", d.Code, d.State)
	}
	if in.Subject == nil && in.Priority == nil && in.AssignedTo == nil {
		return nil, Validation(op, "nothing to update")
	}
	if in.Subject != nil && strings.TrimSpace(*in.Subject) == "" {
		return nil, Validation(op, "subject cannot be empty")
	}
	if in.Priority != nil && !in.Priority.Valid() {
		return nil, Validation(op, "unknown priority %q", *in.Priority)
	}
	if _, err := w.engine.Authorize(ctx, w.request(op, actor, BitEditar, d.Snapshot())); err != nil {
		return nil, err
	}
	changes := make([]string, 0, 3)
	if in.Subject != nil {
		d.Subject = strings.TrimSpace(*in.Subject)
		changes = append(changes, "subject")
	}
	if in.Priority != nil {
		changes = append(changes, fmt.Sprintf("priority %s -> %s", d.Priority, *in.Priority))
		d.Priority = *in.Priority
	}
	if in.AssignedTo != nil {
		changes = append(changes, fmt.Sprintf("assignee %q -> %q", d.AssignedTo, *in.AssignedTo))
		d.AssignedTo = *in.AssignedTo
	}
	obs := strings.Join(changes, "; ")
	if in.Observations != "" {
		obs = in.Observations + " (" + obs + ")"
	}
	return w.save(ctx, op, actor, d, LedgerUpdate, "", obs)
}

// Derive routes a non-terminal document to another area and moves it to
// InProgress.
func (w *Workflow) Derive(ctx context.Context, actor *Actor, id string, in DeriveInput) (doc *Document, err error) {
	const op = "derive"
	defer func() { w.done(op, doc, actor, err) }()
	if in.DestinationAreaID == "" {
		return nil, Validation(op, "destination area is required")
	}
	d, err := w.load(ctx, op, id, false)
	if err != nil {
		return nil, err
	}
	if d.State.Terminal() {
		return nil, Conflict(op, "document %s is %s", d.Code, d.State)
	}
	if in.DestinationAreaID == d.AreaID {
		return nil, Conflict(op, "document %s is already in area %s", d.Code, d.AreaID)
	}
	if err := w.requireArea(ctx, op, in.DestinationAreaID); err != nil {
		return nil, err
	}
	if _, err := w.engine.Authorize(ctx, w.request(op, actor, BitDerivar, d.Snapshot())); err != nil {
		return nil, err
	}
	origin := d.AreaID
	d.AreaID = in.DestinationAreaID
	d.State = StateInProgress
	d.AssignedTo = in.AssignedTo
	if in.Urgent {
		d.Priority = PriorityUrgent
	}
	d.UpdatedAt, err = w.commit(ctx, actor, d, &TrazabilidadEntry{
		OriginArea:      origin,
		DestinationArea: in.DestinationAreaID,
		Action:          LedgerDerive,
		Observations:    in.Reason,
	})
	if err != nil {
		return nil, wrapStore(op, err)
	}
	return d, nil
}

// SetStatus moves the document along one edge of the state graph.
func (w *Workflow) SetStatus(ctx context.Context, actor *Actor, id string, to DocumentState, observations string) (doc *Document, err error) {
	const op = "set status"
	defer func() { w.done(op, doc, actor, err) }()
	if !to.Valid() {
		return nil, Validation(op, "unknown state %q", to)
	}
	d, err := w.load(ctx, op, id, false)
	if err != nil {
		return nil, err
	}
	if !CanTransition(d.State, to) {
		return nil, Conflict(op, "illegal transition %s -> %s", d.State, to)
	}
	if _, err := w.engine.Authorize(ctx, w.request(op, actor, BitEditar, d.Snapshot())); err != nil {
		return nil, err
	}
	from := d.State
	d.State = to
	obs := fmt.Sprintf("state %s -> %s", from, to)
	if observations != "" {
		obs += ": " + observations
	}
	if to == StateFinalized {
		t := w.stamp(d)
		d.FinalizedAt = &t
	}
	return w.save(ctx, op, actor, d, LedgerUpdate, "", obs)
}

// SoftDelete hides the document; it can be restored or purged afterwards.
func (w *Workflow) SoftDelete(ctx context.Context, actor *Actor, id, reason string) (doc *Document, err error) {
	const op = "soft delete"
	defer func() { w.done(op, doc, actor, err) }()
	d, err := w.load(ctx, op, id, true)
	if err != nil {
		return nil, err
	}
	if d.Deleted() {
		return nil, Conflict(op, "document %s is already deleted", d.Code)
	}
	if _, err := w.engine.AuthorizeOwner(ctx, w.request(op, actor, BitEliminar, d.Snapshot())); err != nil {
		return nil, err
	}
	t := w.stamp(d)
	d.DeletedAt = &t
	return w.save(ctx, op, actor, d, LedgerUpdate, "", joinObs("deleted", reason))
}

// Restore undoes a soft delete.
func (w *Workflow) Restore(ctx context.Context, actor *Actor, id string) (doc *Document, err error) {
	const op = "restore"
	defer func() { w.done(op, doc, actor, err) }()
	d, err := w.load(ctx, op, id, true)
	if err != nil {
		return nil, err
	}
	if !d.Deleted() {
		return nil, Conflict(op, "document %s is not deleted", d.Code)
	}
	if _, err := w.engine.AuthorizeOwner(ctx, w.request(op, actor, BitEliminar, d.Snapshot())); err != nil {
		return nil, err
	}
	d.DeletedAt = nil
	return w.save(ctx, op, actor, d, LedgerUpdate, "", "restored")
}

// Purge irreversibly removes a soft-deleted document. Its ledger rows are kept.
func (w *Workflow) Purge(ctx context.Context, actor *Actor, id string) (doc *Document, err error) {
	const op = "purge"
	defer func() { w.done(op, doc, actor, err) }()
	d, err := w.load(ctx, op, id, true)
	if err != nil {
		return nil, err
	}
	if !d.Deleted() {
		return nil, Conflict(op, "document %s must be soft-deleted before purge", d.Code)
	}
	if _, err := w.engine.AuthorizeOwner(ctx, w.request(op, actor, BitEliminar, d.Snapshot())); err != nil {
		return nil, err
	}
	t := w.stamp(d)
	entry := &TrazabilidadEntry{
		DocumentID:   d.ID,
		OriginArea:   d.AreaID,
		Action:       LedgerUpdate,
		Observations: "purged",
		ActorID:      actor.ID,
		Timestamp:    t,
	}
	if err := w.docs.PurgeDocument(ctx, d, entry); err != nil {
		return nil, wrapStore(op, err)
	}
	return d, nil
}

func joinObs(prefix, detail string) string {
	if detail == "" {
		return prefix
	}
	return prefix + ": " + detail
}

func (w *Workflow) save(ctx context.Context, op string, actor *Actor, d *Document, action LedgerAction, dest, obs string) (*Document, error) {
	var err error
	d.UpdatedAt, err = w.commit(ctx, actor, d, &TrazabilidadEntry{
		OriginArea:      d.AreaID,
		DestinationArea: dest,
		Action:          action,
		Observations:    obs,
	})
	if err != nil {
		return nil, wrapStore(op, err)
	}
	return d, nil
}

// commit stamps the entry and hands document and entry to the store as one unit.
func (w *Workflow) commit(ctx context.Context, actor *Actor, d *Document, entry *TrazabilidadEntry) (time.Time, error) {
	t := w.stamp(d)
	if d.FinalizedAt != nil && d.FinalizedAt.After(t) {
		t = *d.FinalizedAt
	}
	if d.DeletedAt != nil && d.DeletedAt.After(t) {
		t = *d.DeletedAt
	}
	entry.DocumentID = d.ID
	entry.ActorID = actor.ID
	entry.Timestamp = t
	prev := d.UpdatedAt
	d.UpdatedAt = t
	if err := w.docs.SaveDocument(ctx, d, entry); err != nil {
		d.UpdatedAt = prev
		return prev, err
	}
	return t, nil
}

// ============================================================================
// READS
// ============================================================================

// Get returns a live document; soft-deleted documents are not found.
func (w *Workflow) Get(ctx context.Context, actor *Actor, id string) (*Document, error) {
	const op = "read"
	d, err := w.docs.GetDocument(ctx, id)
	if err != nil {
		return nil, wrapStore(op, err)
	}
	if d.Deleted() {
		return nil, NotFound(op, "document %s not found", id)
	}
	if _, err := w.engine.Authorize(ctx, w.request(op, actor, BitVer, d.Snapshot())); err != nil {
		return nil, err
	}
	return d, nil
}

// List returns the documents the actor may see. Listing deleted documents
// additionally requires the Eliminar bit.
func (w *Workflow) List(ctx context.Context, actor *Actor, filter DocumentFilter) ([]*Document, error) {
	const op = "list"
	if _, err := w.engine.Authorize(ctx, w.request(op, actor, BitVer, nil)); err != nil {
		return nil, err
	}
	if filter.IncludeDeleted {
		if _, err := w.engine.Authorize(ctx, w.request(op, actor, BitEliminar, nil)); err != nil {
			return nil, err
		}
	}
	offset, limit := filter.Offset, filter.Limit
	filter.Offset, filter.Limit = 0, 0
	docs, err := w.docs.ListDocuments(ctx, filter)
	if err != nil {
		return nil, wrapStore(op, err)
	}
	docs, err = w.visible(ctx, op, actor, docs)
	if err != nil {
		return nil, err
	}
	return page(docs, offset, limit), nil
}

// visible drops documents a Ver contextual rule hides from the actor. The
// per-document checks are not recorded as security events.
func (w *Workflow) visible(ctx context.Context, op string, actor *Actor, docs []*Document) ([]*Document, error) {
	out := make([]*Document, 0, len(docs))
	for _, d := range docs {
		dec, err := w.engine.evaluate(ctx, w.request(op, actor, BitVer, d.Snapshot()), false)
		if err != nil {
			return nil, err
		}
		if dec.Allowed {
			out = append(out, d)
		}
	}
	return out, nil
}

// History returns the ledger of a document in ascending timestamp order. The
// ledger of a purged document is only readable with the Auditar bit.
func (w *Workflow) History(ctx context.Context, actor *Actor, id string) ([]*TrazabilidadEntry, error) {
	const op = "history"
	d, err := w.docs.GetDocument(ctx, id)
	if IsKind(err, KindNotFound) {
		return w.purgedHistory(ctx, op, actor, id, err)
	}
	if err != nil {
		return nil, wrapStore(op, err)
	}
	if _, err := w.engine.Authorize(ctx, w.request(op, actor, BitVer, d.Snapshot())); err != nil {
		return nil, err
	}
	entries, err := w.ledger.ListEntries(ctx, id)
	if err != nil {
		return nil, wrapStore(op, err)
	}
	return entries, nil
}

func (w *Workflow) purgedHistory(ctx context.Context, op string, actor *Actor, id string, notFound error) ([]*TrazabilidadEntry, error) {
	entries, err := w.ledger.ListEntries(ctx, id)
	if err != nil {
		return nil, wrapStore(op, err)
	}
	if len(entries) == 0 {
		return nil, wrapStore(op, notFound)
	}
	if _, err := w.engine.Authorize(ctx, w.request(op, actor, BitAuditar, nil)); err != nil {
		return nil, err
	}
	return entries, nil
}

// page applies offset and limit after visibility filtering so a page is never
// short while more visible documents exist.
func page(docs []*Document, offset, limit int) []*Document {
	if offset >= len(docs) {
		return docs[:0]
	}
	docs = docs[offset:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}

// Export returns documents and their histories for rendering by the caller.
func (w *Workflow) Export(ctx context.Context, actor *Actor, filter DocumentFilter) ([]*DocumentExport, error) {
	const op = "export"
	if _, err := w.engine.Authorize(ctx, w.request(op, actor, BitExportar, nil)); err != nil {
		return nil, err
	}
	filter.IncludeDeleted = false
	offset, limit := filter.Offset, filter.Limit
	filter.Offset, filter.Limit = 0, 0
	docs, err := w.docs.ListDocuments(ctx, filter)
	if err != nil {
		return nil, wrapStore(op, err)
	}
	docs, err = w.visible(ctx, op, actor, docs)
	if err != nil {
		return nil, err
	}
	docs = page(docs, offset, limit)
	out := make([]*DocumentExport, 0, len(docs))
	for _, d := range docs {
		entries, err := w.ledger.ListEntries(ctx, d.ID)
		if err != nil {
			return nil, wrapStore(op, err)
		}
		out = append(out, &DocumentExport{Document: d, History: entries})
	}
	return out, nil
}
