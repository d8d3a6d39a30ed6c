package stores

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/expedientes"
)

// SQLDocumentStore persists documents and the trazabilidad ledger. Every
// mutation runs in one transaction: the version-guarded document write and
// the ledger insert commit together or not at all.
type SQLDocumentStore struct {
	db *squealx.DB
}

func NewSQLDocumentStore(db *squealx.DB) *SQLDocumentStore {
	return &SQLDocumentStore{db: db}
}

type namedExecer interface {
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

const documentColumns = `id, code, subject, state, area_id, priority, created_by, assigned_to, created_at, updated_at, finalized_at, deleted_at, version`

func documentParams(d *expedientes.Document) map[string]any {
	return map[string]any{
		"id":           d.ID,
		"code":         d.Code,
		"subject":      d.Subject,
		"state":        string(d.State),
		"area_id":      d.AreaID,
		"priority":     string(d.Priority),
		"created_by":   d.CreatedBy,
		"assigned_to":  d.AssignedTo,
		"created_at":   nanos(d.CreatedAt),
		"updated_at":   nanos(d.UpdatedAt),
		"finalized_at": nanosOrNil(d.FinalizedAt),
		"deleted_at":   nanosOrNil(d.DeletedAt),
		"version":      d.Version,
	}
}

func insertEntry(ctx context.Context, ex namedExecer, e *expedientes.TrazabilidadEntry) error {
	q := `INSERT INTO trazabilidad(document_id, origin_area, destination_area, action, observations, actor_id, timestamp) VALUES(:document_id, :origin_area, :destination_area, :action, :observations, :actor_id, :timestamp)`
	res, err := ex.NamedExecContext(ctx, q, map[string]any{
		"document_id":      e.DocumentID,
		"origin_area":      e.OriginArea,
		"destination_area": e.DestinationArea,
		"action":           string(e.Action),
		"observations":     e.Observations,
		"actor_id":         e.ActorID,
		"timestamp":        nanos(e.Timestamp),
	})
	if err != nil {
		return fmt.Errorf("append trazabilidad: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// inTx runs fn inside a transaction and commits only if fn succeeds.
func (s *SQLDocumentStore) inTx(ctx context.Context, fn func(ex namedExecer) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLDocumentStore) InsertDocument(ctx context.Context, d *expedientes.Document, e *expedientes.TrazabilidadEntry) error {
	if d.Version == 0 {
		d.Version = 1
	}
	return s.inTx(ctx, func(ex namedExecer) error {
		q := `INSERT INTO documents(` + documentColumns + `) VALUES(:id, :code, :subject, :state, :area_id, :priority, :created_by, :assigned_to, :created_at, :updated_at, :finalized_at, :deleted_at, :version)`
		if _, err := ex.NamedExecContext(ctx, q, documentParams(d)); err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		return insertEntry(ctx, ex, e)
	})
}

func (s *SQLDocumentStore) SaveDocument(ctx context.Context, d *expedientes.Document, e *expedientes.TrazabilidadEntry) error {
	err := s.inTx(ctx, func(ex namedExecer) error {
		q := `UPDATE documents SET subject=:subject, state=:state, area_id=:area_id, priority=:priority, assigned_to=:assigned_to, updated_at=:updated_at, finalized_at=:finalized_at, deleted_at=:deleted_at, version=version+1 WHERE id=:id AND version=:version`
		res, err := ex.NamedExecContext(ctx, q, documentParams(d))
		if err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return expedientes.Conflict("save document", "document %s was modified concurrently (version %d)", d.ID, d.Version)
		}
		return insertEntry(ctx, ex, e)
	})
	if err != nil {
		return err
	}
	d.Version++
	return nil
}

// PurgeDocument deletes the document row; its ledger rows remain.
func (s *SQLDocumentStore) PurgeDocument(ctx context.Context, d *expedientes.Document, e *expedientes.TrazabilidadEntry) error {
	err := s.inTx(ctx, func(ex namedExecer) error {
		q := `DELETE FROM documents WHERE id=:id AND version=:version`
		res, err := ex.NamedExecContext(ctx, q, map[string]any{"id": d.ID, "version": d.Version})
		if err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return expedientes.Conflict("purge document", "document %s was modified concurrently (version %d)", d.ID, d.Version)
		}
		return insertEntry(ctx, ex, e)
	})
	if err != nil {
		return err
	}
	d.Version++
	return nil
}

func scanDocument(r rowScanner) (*expedientes.Document, error) {
	var (
		d                      expedientes.Document
		state, priority        string
		createdRaw, updatedRaw any
		finalized, deleted     sql.NullInt64
	)
	if err := r.Scan(&d.ID, &d.Code, &d.Subject, &state, &d.AreaID, &priority, &d.CreatedBy, &d.AssignedTo, &createdRaw, &updatedRaw, &finalized, &deleted, &d.Version); err != nil {
		return nil, err
	}
	d.State = expedientes.DocumentState(state)
	d.Priority = expedientes.Priority(priority)
	d.CreatedAt = timeFrom(createdRaw)
	d.UpdatedAt = timeFrom(updatedRaw)
	d.FinalizedAt = timePtrFrom(finalized)
	d.DeletedAt = timePtrFrom(deleted)
	return &d, nil
}

func (s *SQLDocumentStore) GetDocument(ctx context.Context, id string) (*expedientes.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, expedientes.NotFound("get document", "document %s not found", id)
	}
	return scanDocument(r)
}

func (s *SQLDocumentStore) ListDocuments(ctx context.Context, f expedientes.DocumentFilter) ([]*expedientes.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE 1=1`
	params := map[string]any{}
	if !f.IncludeDeleted {
		q += " AND deleted_at IS NULL"
	}
	if f.AreaID != "" {
		q += " AND area_id = :area_id"
		params["area_id"] = f.AreaID
	}
	if f.State != "" {
		q += " AND state = :state"
		params["state"] = string(f.State)
	}
	if f.Priority != "" {
		q += " AND priority = :priority"
		params["priority"] = string(f.Priority)
	}
	if f.CreatedBy != "" {
		q += " AND created_by = :created_by"
		params["created_by"] = f.CreatedBy
	}
	if f.AssignedTo != "" {
		q += " AND assigned_to = :assigned_to"
		params["assigned_to"] = f.AssignedTo
	}
	if !f.From.IsZero() {
		q += " AND created_at >= :from"
		params["from"] = nanos(f.From)
	}
	if !f.To.IsZero() {
		q += " AND created_at <= :to"
		params["to"] = nanos(f.To)
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = f.Limit
	} else {
		q += " LIMIT -1"
	}
	if f.Offset > 0 {
		q += " OFFSET :offset"
		params["offset"] = f.Offset
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*expedientes.Document, 0)
	for r.Next() {
		d, err := scanDocument(r)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, r.Err()
}

// ListEntries returns the ledger of a document ordered by timestamp, then id.
func (s *SQLDocumentStore) ListEntries(ctx context.Context, documentID string) ([]*expedientes.TrazabilidadEntry, error) {
	q := `SELECT id, document_id, origin_area, destination_area, action, observations, actor_id, timestamp FROM trazabilidad WHERE document_id = :document_id ORDER BY timestamp ASC, id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"document_id": documentID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*expedientes.TrazabilidadEntry, 0)
	for r.Next() {
		var (
			e      expedientes.TrazabilidadEntry
			action string
			tsRaw  any
		)
		if err := r.Scan(&e.ID, &e.DocumentID, &e.OriginArea, &e.DestinationArea, &action, &e.Observations, &e.ActorID, &tsRaw); err != nil {
			return nil, err
		}
		e.Action = expedientes.LedgerAction(action)
		e.Timestamp = timeFrom(tsRaw)
		out = append(out, &e)
	}
	return out, r.Err()
}
