package expedientes_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/oarkflow/expedientes"
)

func docRequest(a *expedientes.Actor, bit expedientes.Bit, res *expedientes.ResourceSnapshot) *expedientes.AccessRequest {
	return &expedientes.AccessRequest{Endpoint: "test", Actor: a, Bit: bit, ResourceType: expedientes.ResourceDocument, Resource: res}
}

func TestAdminBypassesEveryBit(t *testing.T) {
	f := newFixture(t)
	// A rule that no admin request could satisfy.
	f.addRule(t, expedientes.RoleAdmin, "mesa", expedientes.ConditionAssigned, expedientes.BitEditar)
	res := &expedientes.ResourceSnapshot{ID: "d1", OwnerID: "someone", AreaID: "legal"}

	for _, a := range []*expedientes.Actor{
		admin,
		actor("full", "clerk", "mesa", 255),
		actor("role-admin", expedientes.RoleAdmin, "mesa", 0),
		actor("admin-bit", "clerk", "mesa", 128),
	} {
		for b := expedientes.Bit(0); b < expedientes.BitCount; b++ {
			d, err := f.engine.Decide(f.ctx, docRequest(a, b, res))
			if err != nil {
				t.Fatalf("%s/%s: %v", a.ID, b, err)
			}
			if !d.Allowed || d.Reason != expedientes.ReasonBypass {
				t.Fatalf("%s/%s: expected bypass, got %+v", a.ID, b, d)
			}
		}
	}
}

func TestMissingBitIsForbiddenAndRecorded(t *testing.T) {
	f := newFixture(t)
	viewer := actor("viewer", "consulta", "mesa", 8)

	_, err := f.engine.Authorize(f.ctx, docRequest(viewer, expedientes.BitCrear, nil))
	expectReason(t, err, expedientes.ReasonMissingBit)

	denied := false
	events, _ := f.events.ListSecurityEvents(f.ctx, expedientes.SecurityEventFilter{ActorID: "viewer", Allowed: &denied})
	if len(events) != 1 {
		t.Fatalf("expected 1 denial event, got %d", len(events))
	}
	ev := events[0]
	if ev.Bit != expedientes.BitCrear || ev.Reason != expedientes.ReasonMissingBit || ev.Mask != 8 || ev.Endpoint != "test" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestOwnerRuleAllowsOwnerOnly(t *testing.T) {
	f := newFixture(t)
	rule := f.addRule(t, "tramitador", "mesa", expedientes.ConditionOwner, expedientes.BitEditar)
	editor := actor("u1", "tramitador", "mesa", expedientes.MaskOf(expedientes.BitEditar, expedientes.BitVer))

	own := &expedientes.ResourceSnapshot{ID: "d1", OwnerID: "u1", AreaID: "mesa"}
	d, err := f.engine.Authorize(f.ctx, docRequest(editor, expedientes.BitEditar, own))
	if err != nil {
		t.Fatalf("owner edit: %v", err)
	}
	if d.Reason != expedientes.ReasonContextRuleMatched || d.MatchedRule != rule.ID {
		t.Fatalf("expected match on %s, got %+v", rule.ID, d)
	}

	other := &expedientes.ResourceSnapshot{ID: "d2", OwnerID: "u2", AreaID: "mesa"}
	_, err = f.engine.Authorize(f.ctx, docRequest(editor, expedientes.BitEditar, other))
	expectReason(t, err, expedientes.ReasonContextRuleRejected)

	// Rules for another bit do not apply.
	d, err = f.engine.Authorize(f.ctx, docRequest(editor, expedientes.BitVer, other))
	if err != nil || d.Reason != expedientes.ReasonBitGranted {
		t.Fatalf("expected BitGranted for Ver, got %+v, %v", d, err)
	}
}

func TestAnyMatchingRuleAllows(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, "tramitador", "mesa", expedientes.ConditionOwner, expedientes.BitEditar)
	f.addRule(t, "tramitador", "mesa", expedientes.ConditionAssigned, expedientes.BitEditar)
	editor := actor("u1", "tramitador", "mesa", expedientes.MaskOf(expedientes.BitEditar))

	assigned := &expedientes.ResourceSnapshot{ID: "d1", OwnerID: "u2", AreaID: "mesa", AssignedUserID: "u1"}
	if _, err := f.engine.Authorize(f.ctx, docRequest(editor, expedientes.BitEditar, assigned)); err != nil {
		t.Fatalf("assigned edit: %v", err)
	}
}

func TestSupervisorRule(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, "jefe", "mesa", expedientes.ConditionSupervisor, expedientes.BitDerivar)
	_ = f.supervisors.AddSupervision(f.ctx, "boss", "clerk")
	boss := actor("boss", "jefe", "mesa", expedientes.MaskOf(expedientes.BitDerivar))

	mine := &expedientes.ResourceSnapshot{ID: "d1", OwnerID: "clerk", AreaID: "mesa"}
	if _, err := f.engine.Authorize(f.ctx, docRequest(boss, expedientes.BitDerivar, mine)); err != nil {
		t.Fatalf("supervisor derive: %v", err)
	}
	notMine := &expedientes.ResourceSnapshot{ID: "d2", OwnerID: "stranger", AreaID: "mesa"}
	_, err := f.engine.Authorize(f.ctx, docRequest(boss, expedientes.BitDerivar, notMine))
	expectReason(t, err, expedientes.ReasonContextRuleRejected)
}

func TestOwnershipFallback(t *testing.T) {
	f := newFixture(t)
	editor := actor("u1", "tramitador", "mesa", expedientes.MaskOf(expedientes.BitEditar, expedientes.BitVer))

	d, err := f.engine.Authorize(f.ctx, docRequest(editor, expedientes.BitEditar, &expedientes.ResourceSnapshot{ID: "d1", OwnerID: "u1"}))
	if err != nil || d.Reason != expedientes.ReasonOwner {
		t.Fatalf("expected Owner, got %+v, %v", d, err)
	}
	_, err = f.engine.Authorize(f.ctx, docRequest(editor, expedientes.BitEditar, &expedientes.ResourceSnapshot{ID: "d2", OwnerID: "u2"}))
	expectReason(t, err, expedientes.ReasonNotOwner)

	// Ver is not resource-scoped, so no ownership is required.
	d, err = f.engine.Authorize(f.ctx, docRequest(editor, expedientes.BitVer, &expedientes.ResourceSnapshot{ID: "d2", OwnerID: "u2"}))
	if err != nil || d.Reason != expedientes.ReasonBitGranted {
		t.Fatalf("expected BitGranted, got %+v, %v", d, err)
	}
}

func TestMalformedStoredConditionIsInternal(t *testing.T) {
	f := newFixture(t)
	bad := &expedientes.ContextualRule{
		ID: "bad", RoleID: "tramitador", AreaID: "mesa", ResourceType: expedientes.ResourceDocument,
		Condition: expedientes.Condition("{broken"), Action: expedientes.BitEditar, Active: true,
	}
	if err := f.rules.CreateRule(f.ctx, bad); err != nil {
		t.Fatalf("store rule: %v", err)
	}
	editor := actor("u1", "tramitador", "mesa", expedientes.MaskOf(expedientes.BitEditar))
	_, err := f.engine.Decide(f.ctx, docRequest(editor, expedientes.BitEditar, &expedientes.ResourceSnapshot{OwnerID: "u1"}))
	expectKind(t, err, expedientes.KindInternal)
}

func TestInactiveRulesAreIgnored(t *testing.T) {
	f := newFixture(t)
	r := f.addRule(t, "tramitador", "mesa", expedientes.ConditionAssigned, expedientes.BitEditar)
	if err := f.engine.DeleteRule(f.ctx, admin, r.ID); err != nil {
		t.Fatalf("delete rule: %v", err)
	}
	editor := actor("u1", "tramitador", "mesa", expedientes.MaskOf(expedientes.BitEditar))
	d, err := f.engine.Authorize(f.ctx, docRequest(editor, expedientes.BitEditar, &expedientes.ResourceSnapshot{OwnerID: "u1"}))
	if err != nil || d.Reason != expedientes.ReasonOwner {
		t.Fatalf("expected ownership fallback after deactivation, got %+v, %v", d, err)
	}
	stored, err := f.engine.GetRule(f.ctx, admin, r.ID)
	if err != nil || stored.Active {
		t.Fatalf("rule must remain stored and inactive: %+v, %v", stored, err)
	}
}

func TestRuleCacheInvalidatedOnWrite(t *testing.T) {
	f := newFixture(t, expedientes.WithRuleCache(1000, 100, 64, time.Minute))
	editor := actor("u1", "tramitador", "mesa", expedientes.MaskOf(expedientes.BitEditar))
	other := &expedientes.ResourceSnapshot{ID: "d1", OwnerID: "u2", AreaID: "mesa", AssignedUserID: "u1"}

	_, err := f.engine.Authorize(f.ctx, docRequest(editor, expedientes.BitEditar, other))
	expectReason(t, err, expedientes.ReasonNotOwner)

	f.addRule(t, "tramitador", "mesa", expedientes.ConditionAssigned, expedientes.BitEditar)
	d, err := f.engine.Authorize(f.ctx, docRequest(editor, expedientes.BitEditar, other))
	if err != nil || d.Reason != expedientes.ReasonContextRuleMatched {
		t.Fatalf("expected new rule to apply, got %+v, %v", d, err)
	}
}

func TestUnauthenticatedAndInvalidMask(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Decide(f.ctx, docRequest(nil, expedientes.BitVer, nil))
	expectKind(t, err, expedientes.KindUnauthenticated)
	_, err = f.engine.Decide(f.ctx, docRequest(actor("", "x", "mesa", 8), expedientes.BitVer, nil))
	expectKind(t, err, expedientes.KindUnauthenticated)
	_, err = f.engine.Decide(f.ctx, docRequest(actor("u", "x", "mesa", 300), expedientes.BitVer, nil))
	expectKind(t, err, expedientes.KindValidation)
}

func TestAuthorizeAdminAndOwnerNarrowing(t *testing.T) {
	f := newFixture(t)
	clerk := actor("u1", "tramitador", "mesa", 127)

	_, err := f.engine.AuthorizeAdmin(f.ctx, &expedientes.AccessRequest{Actor: clerk, Bit: expedientes.BitCrear, ResourceType: expedientes.ResourceRule})
	expectReason(t, err, expedientes.ReasonNotAdministrator)

	// Eliminar with a SameArea rule matching still requires ownership.
	f.addRule(t, "tramitador", "mesa", expedientes.ConditionSameArea, expedientes.BitEliminar)
	_, err = f.engine.AuthorizeOwner(f.ctx, docRequest(clerk, expedientes.BitEliminar, &expedientes.ResourceSnapshot{ID: "d", OwnerID: "u2", AreaID: "mesa"}))
	expectReason(t, err, expedientes.ReasonNotOwner)
	if _, err := f.engine.AuthorizeOwner(f.ctx, docRequest(clerk, expedientes.BitEliminar, &expedientes.ResourceSnapshot{ID: "d", OwnerID: "u1", AreaID: "mesa"})); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
}

func TestExplainTracesWithoutRecording(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, "tramitador", "mesa", expedientes.ConditionOwner, expedientes.BitEditar)
	editor := actor("u1", "tramitador", "mesa", expedientes.MaskOf(expedientes.BitEditar))
	before, _ := f.events.ListSecurityEvents(f.ctx, expedientes.SecurityEventFilter{ActorID: "u1"})

	d, err := f.engine.Explain(f.ctx, docRequest(editor, expedientes.BitEditar, &expedientes.ResourceSnapshot{OwnerID: "u2"}))
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if d.Allowed || len(d.Trace) < 3 {
		t.Fatalf("expected a denial with a trace, got %+v", d)
	}
	after, _ := f.events.ListSecurityEvents(f.ctx, expedientes.SecurityEventFilter{ActorID: "u1"})
	if len(after) != len(before) {
		t.Fatalf("explain must not record security events")
	}
}

func TestCheckBitRecordsOnlyDenials(t *testing.T) {
	f := newFixture(t)
	viewer := actor("viewer", "consulta", "mesa", 8)
	if err := f.engine.CheckBit(f.ctx, docRequest(viewer, expedientes.BitVer, nil)); err != nil {
		t.Fatalf("check Ver: %v", err)
	}
	expectReason(t, f.engine.CheckBit(f.ctx, docRequest(viewer, expedientes.BitExportar, nil)), expedientes.ReasonMissingBit)
	events, _ := f.events.ListSecurityEvents(f.ctx, expedientes.SecurityEventFilter{ActorID: "viewer"})
	if len(events) != 1 || events[0].Allowed {
		t.Fatalf("expected exactly the denial to be recorded, got %d events", len(events))
	}
}

func TestSecurityEventsRequireAuditar(t *testing.T) {
	f := newFixture(t)
	viewer := actor("viewer", "consulta", "mesa", 8)
	auditor := actor("auditor", "auditor", "mesa", expedientes.MaskOf(expedientes.BitAuditar))
	_, _ = f.engine.Decide(f.ctx, docRequest(viewer, expedientes.BitCrear, nil))

	_, err := f.engine.SecurityEvents(f.ctx, viewer, expedientes.SecurityEventFilter{})
	expectReason(t, err, expedientes.ReasonMissingBit)

	events, err := f.engine.SecurityEvents(f.ctx, auditor, expedientes.SecurityEventFilter{ActorID: "viewer"})
	if err != nil {
		t.Fatalf("security events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 viewer events, got %d", len(events))
	}
}

func TestDecisionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := expedientes.NewMetrics(reg)
	f := newFixture(t, expedientes.WithoutRuleCache(), expedientes.WithMetrics(m))
	viewer := actor("viewer", "consulta", "mesa", 8)
	_, _ = f.engine.Decide(f.ctx, docRequest(viewer, expedientes.BitCrear, nil))
	_, _ = f.engine.Decide(f.ctx, docRequest(viewer, expedientes.BitVer, nil))

	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("false", "MissingBit", "Crear")); got != 1 {
		t.Fatalf("expected 1 MissingBit denial, got %v", got)
	}
	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("true", "BitGranted", "Ver")); got != 1 {
		t.Fatalf("expected 1 BitGranted allow, got %v", got)
	}
}

func TestCollectionRequestsSkipContextualRules(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, "consulta", "mesa", expedientes.ConditionOwner, expedientes.BitVer)
	viewer := actor("viewer", "consulta", "mesa", 8)

	d, err := f.engine.Authorize(f.ctx, docRequest(viewer, expedientes.BitVer, nil))
	if err != nil || d.Reason != expedientes.ReasonBitGranted {
		t.Fatalf("collection Ver: %+v, %v", d, err)
	}
	_, err = f.engine.Authorize(f.ctx, docRequest(viewer, expedientes.BitVer, &expedientes.ResourceSnapshot{ID: "d", OwnerID: "other"}))
	expectReason(t, err, expedientes.ReasonContextRuleRejected)
}
