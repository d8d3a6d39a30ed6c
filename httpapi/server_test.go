package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/expedientes"
	"github.com/oarkflow/expedientes/stores"
)

type testEnv struct {
	handler http.Handler
	events  *stores.MemorySecurityEventStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	dirStore := stores.NewMemoryDirectoryStore()
	for _, r := range []*expedientes.Role{
		{ID: "admin", Name: "Administrador", Mask: 255},
		{ID: "tramitador", Name: "Tramitador", Mask: 27},
		{ID: "consulta", Name: "Consulta", Mask: 8},
	} {
		require.NoError(t, dirStore.CreateRole(ctx, r))
	}
	for _, a := range []*expedientes.Area{
		{ID: "mesa", Name: "Mesa de Partes", Type: expedientes.AreaAdministrative, Active: true},
		{ID: "legal", Name: "Asesoria Legal", Type: expedientes.AreaSpecialized, Active: true},
	} {
		require.NoError(t, dirStore.CreateArea(ctx, a))
	}
	for _, u := range []*expedientes.User{
		{ID: "root", Name: "Root", RoleID: "admin", AreaID: "mesa", Active: true},
		{ID: "ana", Name: "Ana", RoleID: "tramitador", AreaID: "mesa", Active: true},
		{ID: "luis", Name: "Luis", RoleID: "consulta", AreaID: "mesa", Active: true},
	} {
		require.NoError(t, dirStore.CreateUser(ctx, u))
	}

	reg := prometheus.NewRegistry()
	metrics := expedientes.NewMetrics(reg)
	events := stores.NewMemorySecurityEventStore()
	engine, err := expedientes.NewEngine(stores.NewMemoryRuleStore(), stores.NewMemorySupervisorStore(), events,
		expedientes.WithMetrics(metrics), expedientes.WithoutRuleCache())
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	dir, err := expedientes.NewDirectory(dirStore, dirStore, dirStore, engine, nil)
	require.NoError(t, err)
	docs := stores.NewMemoryDocumentStore()
	wf, err := expedientes.NewWorkflow(engine, docs, docs, dir, expedientes.WithWorkflowMetrics(metrics))
	require.NoError(t, err)

	return &testEnv{handler: NewServer(wf, engine, dir, reg, nil).Router(), events: events}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var resp Response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

// dataAs re-decodes the envelope payload into v.
func dataAs(t *testing.T, resp Response, v any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestHealthAndPermissions(t *testing.T) {
	env := newTestEnv(t)
	rec, resp := env.do(t, "GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	_, resp = env.do(t, "GET", "/permissions", "", nil)
	var perms []expedientes.PermissionInfo
	dataAs(t, resp, &perms)
	require.Len(t, perms, 8)
	assert.Equal(t, "Administrar", perms[7].Name)
}

func TestAuthenticationRequired(t *testing.T) {
	env := newTestEnv(t)
	for _, user := range []string{"", "ghost"} {
		rec, resp := env.do(t, "GET", "/api/me", user, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.False(t, resp.Success)
		assert.Equal(t, "unauthenticated", resp.Error)
	}

	rec, resp := env.do(t, "GET", "/api/me", "ana", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me struct {
		Actor       expedientes.Actor `json:"actor"`
		Permissions []string          `json:"permissions"`
		Admin       bool              `json:"admin"`
	}
	dataAs(t, resp, &me)
	assert.Equal(t, "tramitador", me.Actor.Role)
	assert.Equal(t, []string{"Crear", "Editar", "Ver", "Derivar"}, me.Permissions)
	assert.False(t, me.Admin)
}

func TestMissingBitIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	rec, resp := env.do(t, "POST", "/api/documents", "luis", map[string]any{"subject": "Oficio"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, "forbidden", resp.Error)
	assert.Equal(t, "insufficient permissions", resp.Message)
	assert.Equal(t, string(expedientes.ReasonMissingBit), resp.Reason)

	events, err := env.events.ListSecurityEvents(context.Background(), expedientes.SecurityEventFilter{ActorID: "luis"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "POST /api/documents", events[0].Endpoint)
	assert.False(t, events[0].Allowed)
}

func TestDocumentFlow(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, "POST", "/api/documents", "ana", map[string]any{"subject": "Solicitud de peritaje", "priority": "high"})
	require.Equal(t, http.StatusCreated, rec.Code, resp.Message)
	var doc expedientes.Document
	dataAs(t, resp, &doc)
	assert.Equal(t, "mesa", doc.AreaID, "origin defaults to the actor's area")
	assert.Equal(t, expedientes.PriorityHigh, doc.Priority)

	rec, resp = env.do(t, "GET", "/api/documents/"+doc.ID, "luis", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp = env.do(t, "POST", "/api/documents/"+doc.ID+"/derive", "ana", map[string]any{"destination_area_id": "mesa"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", resp.Error)

	rec, _ = env.do(t, "POST", "/api/documents/"+doc.ID+"/derive", "ana", `{"destination_area_id":`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, resp = env.do(t, "POST", "/api/documents/"+doc.ID+"/derive", "ana", map[string]any{"destination_area_id": "legal", "reason": "opinion legal"})
	require.Equal(t, http.StatusOK, rec.Code, resp.Message)
	dataAs(t, resp, &doc)
	assert.Equal(t, "legal", doc.AreaID)
	assert.Equal(t, expedientes.StateInProgress, doc.State)

	rec, _ = env.do(t, "POST", "/api/documents/"+doc.ID+"/status", "ana", map[string]any{"state": "archived"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, resp = env.do(t, "GET", "/api/documents/"+doc.ID+"/history", "luis", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []expedientes.TrazabilidadEntry
	dataAs(t, resp, &history)
	require.Len(t, history, 2)
	assert.Equal(t, expedientes.LedgerDerive, history[1].Action)
	assert.Equal(t, "legal", history[1].DestinationArea)

	rec, _ = env.do(t, "DELETE", "/api/documents/"+doc.ID, "luis", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp = env.do(t, "GET", "/api/documents/missing", "luis", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", resp.Error)

	rec, _ = env.do(t, "GET", "/api/documents?limit=abc", "luis", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, resp = env.do(t, "GET", "/api/documents?area=legal", "luis", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var docs []expedientes.Document
	dataAs(t, resp, &docs)
	assert.Len(t, docs, 1)
}

func TestRuleManagementRequiresAdministrator(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]any{"role_id": "consulta", "area_id": "mesa", "resource_type": "document", "condition": "same_area", "action": "Ver"}

	rec, resp := env.do(t, "POST", "/api/rules", "ana", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(expedientes.ReasonNotAdministrator), resp.Reason)

	rec, resp = env.do(t, "POST", "/api/rules", "root", map[string]any{"role_id": "consulta", "area_id": "mesa", "resource_type": "document", "condition": "anyone", "action": "Ver"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, resp = env.do(t, "POST", "/api/rules", "root", body)
	require.Equal(t, http.StatusCreated, rec.Code, resp.Message)
	var rule expedientes.ContextualRule
	dataAs(t, resp, &rule)
	assert.True(t, rule.Active)
	assert.Equal(t, expedientes.BitVer, rule.Action)

	body["condition"] = "owner"
	rec, resp = env.do(t, "PUT", "/api/rules/"+rule.ID, "root", body)
	require.Equal(t, http.StatusOK, rec.Code, resp.Message)
	dataAs(t, resp, &rule)
	assert.True(t, rule.Active, "omitting active keeps the rule active")
	assert.Equal(t, expedientes.ConditionOwner, rule.Condition)

	rec, _ = env.do(t, "DELETE", "/api/rules/"+rule.ID, "root", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, resp = env.do(t, "GET", "/api/rules/"+rule.ID, "root", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dataAs(t, resp, &rule)
	assert.False(t, rule.Active)
}

func TestSecurityEventsAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "GET", "/api/export", "luis", nil)

	rec, _ := env.do(t, "GET", "/api/security-events", "ana", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp := env.do(t, "GET", "/api/security-events?actor=luis&allowed=false", "root", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []expedientes.SecurityEvent
	dataAs(t, resp, &events)
	require.Len(t, events, 1)
	assert.Equal(t, expedientes.BitExportar, events[0].Bit)

	rec, _ = env.do(t, "GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "expedientes_access_decisions_total")
}
