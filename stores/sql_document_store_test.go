package stores

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/oarkflow/squealx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/expedientes"
)

func newTestDB(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A single connection keeps the in-memory database alive across calls.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "test")
	require.NoError(t, Migrate(context.Background(), db))
	return db
}

func testDocument(id, area string, created time.Time) *expedientes.Document {
	return &expedientes.Document{
		ID:        id,
		Code:      "EXP-2026-" + id,
		Subject:   "Oficio " + id,
		State:     expedientes.StateRegistered,
		AreaID:    area,
		Priority:  expedientes.PriorityNormal,
		CreatedBy: "u1",
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func entryFor(d *expedientes.Document, action expedientes.LedgerAction, dest string, ts time.Time) *expedientes.TrazabilidadEntry {
	return &expedientes.TrazabilidadEntry{DocumentID: d.ID, OriginArea: d.AreaID, DestinationArea: dest, Action: action, ActorID: "u1", Timestamp: ts}
}

func TestSQLDocumentStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewSQLDocumentStore(newTestDB(t))
	base := time.Date(2026, 1, 15, 9, 30, 0, 123456789, time.UTC)

	doc := testDocument("d1", "mesa", base)
	first := entryFor(doc, expedientes.LedgerRegister, "mesa", base)
	require.NoError(t, store.InsertDocument(ctx, doc, first))
	assert.Equal(t, 1, doc.Version)
	assert.NotZero(t, first.ID)

	got, err := store.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, doc.Code, got.Code)
	assert.True(t, got.CreatedAt.Equal(base), "nanosecond timestamps must survive storage")
	assert.Nil(t, got.FinalizedAt)
	assert.Nil(t, got.DeletedAt)

	stale, err := store.GetDocument(ctx, "d1")
	require.NoError(t, err)

	got.AreaID = "legal"
	got.State = expedientes.StateInProgress
	got.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, store.SaveDocument(ctx, got, &expedientes.TrazabilidadEntry{
		DocumentID: "d1", OriginArea: "mesa", DestinationArea: "legal", Action: expedientes.LedgerDerive, ActorID: "u1", Timestamp: got.UpdatedAt,
	}))
	assert.Equal(t, 2, got.Version)

	stale.Subject = "lost update"
	err = store.SaveDocument(ctx, stale, entryFor(stale, expedientes.LedgerUpdate, "", base.Add(2*time.Minute)))
	assert.True(t, expedientes.IsKind(err, expedientes.KindConflict), "stale version must conflict, got %v", err)
	assert.Equal(t, 1, stale.Version)

	entries, err := store.ListEntries(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, expedientes.LedgerRegister, entries[0].Action)
	assert.Equal(t, "legal", entries[1].DestinationArea)
	assert.True(t, entries[1].Timestamp.After(entries[0].Timestamp))

	deletedAt := base.Add(3 * time.Minute)
	got.DeletedAt = &deletedAt
	got.UpdatedAt = deletedAt
	require.NoError(t, store.SaveDocument(ctx, got, entryFor(got, expedientes.LedgerUpdate, "", deletedAt)))

	other := testDocument("d2", "mesa", base.Add(time.Hour))
	require.NoError(t, store.InsertDocument(ctx, other, entryFor(other, expedientes.LedgerRegister, "mesa", other.CreatedAt)))

	live, err := store.ListDocuments(ctx, expedientes.DocumentFilter{})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "d2", live[0].ID)

	all, err := store.ListDocuments(ctx, expedientes.DocumentFilter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "d2", all[0].ID, "newest first")

	inLegal, err := store.ListDocuments(ctx, expedientes.DocumentFilter{AreaID: "legal", IncludeDeleted: true, Limit: 10})
	require.NoError(t, err)
	require.Len(t, inLegal, 1)
	require.NotNil(t, inLegal[0].DeletedAt)
	assert.True(t, inLegal[0].DeletedAt.Equal(deletedAt))

	require.NoError(t, store.PurgeDocument(ctx, got, entryFor(got, expedientes.LedgerUpdate, "", base.Add(4*time.Minute))))
	_, err = store.GetDocument(ctx, "d1")
	assert.True(t, expedientes.IsKind(err, expedientes.KindNotFound))

	entries, err = store.ListEntries(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, entries, 4, "purge keeps the ledger")
}

func TestSQLDocumentStoreRejectsDuplicateCode(t *testing.T) {
	ctx := context.Background()
	store := NewSQLDocumentStore(newTestDB(t))
	now := time.Now()

	a := testDocument("a", "mesa", now)
	require.NoError(t, store.InsertDocument(ctx, a, entryFor(a, expedientes.LedgerRegister, "mesa", now)))
	b := testDocument("b", "mesa", now)
	b.Code = a.Code
	assert.Error(t, store.InsertDocument(ctx, b, entryFor(b, expedientes.LedgerRegister, "mesa", now)))

	entries, err := store.ListEntries(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, entries, "a failed insert must not leave a ledger row")
}

func TestTrazabilidadIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewSQLDocumentStore(db)
	now := time.Now()
	doc := testDocument("d1", "mesa", now)
	require.NoError(t, store.InsertDocument(ctx, doc, entryFor(doc, expedientes.LedgerRegister, "mesa", now)))

	_, err := db.ExecContext(ctx, `UPDATE trazabilidad SET observations = 'rewritten'`)
	assert.Error(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM trazabilidad`)
	assert.Error(t, err)

	entries, err := store.ListEntries(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].Observations)
}

func TestSaveRollsBackWhenLedgerAppendFails(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewSQLDocumentStore(db)
	now := time.Now()
	doc := testDocument("d1", "mesa", now)
	require.NoError(t, store.InsertDocument(ctx, doc, entryFor(doc, expedientes.LedgerRegister, "mesa", now)))

	_, err := db.ExecContext(ctx, `CREATE TRIGGER reject_boom BEFORE INSERT ON trazabilidad WHEN NEW.observations = 'boom' BEGIN SELECT RAISE(ABORT, 'boom'); END`)
	require.NoError(t, err)

	doc.Subject = "changed"
	entry := entryFor(doc, expedientes.LedgerUpdate, "", now.Add(time.Second))
	entry.Observations = "boom"
	require.Error(t, store.SaveDocument(ctx, doc, entry))
	assert.Equal(t, 1, doc.Version)

	stored, err := store.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "Oficio d1", stored.Subject)
	assert.Equal(t, 1, stored.Version)

	entries, err := store.ListEntries(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSaveDocumentRollsBackOnUpdateError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE documents SET").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	store := NewSQLDocumentStore(squealx.NewDb(sqlDB, "sqlite", "mock"))
	doc := testDocument("d1", "mesa", time.Now())
	doc.Version = 3
	err = store.SaveDocument(context.Background(), doc, entryFor(doc, expedientes.LedgerUpdate, "", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update document")
	assert.Equal(t, 3, doc.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}
