package expedientes_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/expedientes"
	"github.com/oarkflow/expedientes/stores"
)

type fixture struct {
	ctx         context.Context
	rules       *stores.MemoryRuleStore
	events      *stores.MemorySecurityEventStore
	supervisors *stores.MemorySupervisorStore
	docs        *stores.MemoryDocumentStore
	dir         *stores.MemoryDirectoryStore
	engine      *expedientes.Engine
	directory   *expedientes.Directory
	workflow    *expedientes.Workflow
}

var admin = &expedientes.Actor{ID: "admin", Role: expedientes.RoleAdmin, AreaID: "mesa", Mask: expedientes.MaskAll}

func actor(id, role, area string, mask int) *expedientes.Actor {
	return &expedientes.Actor{ID: id, Role: role, AreaID: area, Mask: mask}
}

func newFixture(t testing.TB, opts ...expedientes.EngineOption) *fixture {
	t.Helper()
	f := &fixture{
		ctx:         context.Background(),
		rules:       stores.NewMemoryRuleStore(),
		events:      stores.NewMemorySecurityEventStore(),
		supervisors: stores.NewMemorySupervisorStore(),
		docs:        stores.NewMemoryDocumentStore(),
		dir:         stores.NewMemoryDirectoryStore(),
	}
	if len(opts) == 0 {
		opts = []expedientes.EngineOption{expedientes.WithoutRuleCache()}
	}
	eng, err := expedientes.NewEngine(f.rules, f.supervisors, f.events, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	f.engine = eng
	f.directory, err = expedientes.NewDirectory(f.dir, f.dir, f.dir, eng, nil)
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	f.workflow, err = expedientes.NewWorkflow(eng, f.docs, f.docs, f.directory)
	if err != nil {
		t.Fatalf("new workflow: %v", err)
	}
	for _, a := range []*expedientes.Area{
		{ID: "mesa", Name: "Mesa de Partes", Type: expedientes.AreaAdministrative, Active: true},
		{ID: "legal", Name: "Asesoria Legal", Type: expedientes.AreaSpecialized, Active: true},
		{ID: "archivo", Name: "Archivo Central", Type: expedientes.AreaOperational, Active: false},
	} {
		if err := f.dir.CreateArea(f.ctx, a); err != nil {
			t.Fatalf("seed area: %v", err)
		}
	}
	return f
}

// seedDoc inserts a document directly in the store, bypassing authorization.
func (f *fixture) seedDoc(t *testing.T, owner, area string, state expedientes.DocumentState) *expedientes.Document {
	t.Helper()
	now := time.Now().UTC().Add(-time.Minute)
	d := &expedientes.Document{
		ID:        uuid.NewString(),
		Code:      "EXP-SEED-" + uuid.NewString()[:8],
		Subject:   "seeded",
		State:     state,
		AreaID:    area,
		Priority:  expedientes.PriorityNormal,
		CreatedBy: owner,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	entry := &expedientes.TrazabilidadEntry{DocumentID: d.ID, OriginArea: area, DestinationArea: area, Action: expedientes.LedgerRegister, ActorID: owner, Timestamp: now}
	if err := f.docs.InsertDocument(f.ctx, d, entry); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	return d
}

func (f *fixture) addRule(t testing.TB, role, area string, cond expedientes.Condition, bit expedientes.Bit) *expedientes.ContextualRule {
	t.Helper()
	r, err := f.engine.CreateRule(f.ctx, admin, &expedientes.ContextualRule{
		RoleID:       role,
		AreaID:       area,
		ResourceType: expedientes.ResourceDocument,
		Condition:    cond,
		Action:       bit,
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return r
}

func expectKind(t *testing.T, err error, kind expedientes.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := expedientes.KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %s: %v", kind, got, err)
	}
}

func expectReason(t *testing.T, err error, reason expedientes.ReasonCode) {
	t.Helper()
	expectKind(t, err, expedientes.KindForbidden)
	if got := expedientes.ReasonOf(err); got != reason {
		t.Fatalf("expected reason %s, got %s", reason, got)
	}
}
