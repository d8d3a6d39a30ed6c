package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/oarkflow/date"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oarkflow/expedientes"
	"github.com/oarkflow/expedientes/logger"
)

// Server exposes the workflow, rule management and audit over HTTP.
type Server struct {
	workflow *expedientes.Workflow
	engine   *expedientes.Engine
	dir      *expedientes.Directory
	gatherer prometheus.Gatherer
	logger   logger.Logger
}

func NewServer(wf *expedientes.Workflow, engine *expedientes.Engine, dir *expedientes.Directory, gatherer prometheus.Gatherer, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &Server{workflow: wf, engine: engine, dir: dir, gatherer: gatherer, logger: l}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.logRequests)
	router.HandleFunc("/healthz", s.health).Methods("GET")
	router.HandleFunc("/permissions", s.listPermissions).Methods("GET")
	if s.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.Authenticate)
	s.route(api, "POST", "/documents", expedientes.BitCrear, s.registerDocument)
	s.route(api, "GET", "/documents", expedientes.BitVer, s.listDocuments)
	s.route(api, "GET", "/documents/{id}", expedientes.BitVer, s.getDocument)
	s.route(api, "PATCH", "/documents/{id}", expedientes.BitEditar, s.updateDocument)
	s.route(api, "POST", "/documents/{id}/status", expedientes.BitEditar, s.setStatus)
	s.route(api, "POST", "/documents/{id}/derive", expedientes.BitDerivar, s.deriveDocument)
	s.route(api, "DELETE", "/documents/{id}", expedientes.BitEliminar, s.softDelete)
	s.route(api, "POST", "/documents/{id}/restore", expedientes.BitEliminar, s.restore)
	s.route(api, "DELETE", "/documents/{id}/purge", expedientes.BitEliminar, s.purge)
	s.route(api, "GET", "/documents/{id}/history", expedientes.BitVer, s.history)
	s.route(api, "GET", "/export", expedientes.BitExportar, s.export)

	s.route(api, "POST", "/rules", expedientes.BitCrear, s.createRule)
	s.route(api, "GET", "/rules", expedientes.BitVer, s.listRules)
	s.route(api, "GET", "/rules/{id}", expedientes.BitVer, s.getRule)
	s.route(api, "PUT", "/rules/{id}", expedientes.BitEditar, s.updateRule)
	s.route(api, "DELETE", "/rules/{id}", expedientes.BitEliminar, s.deleteRule)

	s.route(api, "GET", "/security-events", expedientes.BitAuditar, s.securityEvents)
	api.HandleFunc("/me", s.me).Methods("GET")
	return router
}

func (s *Server) route(r *mux.Router, method, path string, bit expedientes.Bit, h http.HandlerFunc) {
	r.Handle(path, s.RequireBit(bit)(h)).Methods(method)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, expedientes.Permissions())
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	names := make([]string, 0, expedientes.BitCount)
	for _, b := range expedientes.BitsOf(actor.Mask) {
		names = append(names, b.Name())
	}
	respondJSON(w, http.StatusOK, map[string]any{"actor": actor, "permissions": names, "admin": actor.IsAdmin()})
}

func queryTime(q map[string][]string, key string) (time.Time, error) {
	v := strings.TrimSpace(first(q, key))
	if v == "" {
		return time.Time{}, nil
	}
	t, err := date.Parse(v)
	if err != nil {
		return time.Time{}, expedientes.Validation("parse query", "invalid %s %q", key, v)
	}
	return t, nil
}

func queryInt(q map[string][]string, key string) (int, error) {
	v := first(q, key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, expedientes.Validation("parse query", "invalid %s %q", key, v)
	}
	return n, nil
}

func first(q map[string][]string, key string) string {
	if vs := q[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func documentFilter(r *http.Request) (expedientes.DocumentFilter, error) {
	q := r.URL.Query()
	f := expedientes.DocumentFilter{
		AreaID:     q.Get("area"),
		State:      expedientes.DocumentState(q.Get("state")),
		Priority:   expedientes.Priority(q.Get("priority")),
		CreatedBy:  q.Get("created_by"),
		AssignedTo: q.Get("assigned_to"),
	}
	var err error
	if f.From, err = queryTime(q, "from"); err != nil {
		return f, err
	}
	if f.To, err = queryTime(q, "to"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(q, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(q, "offset"); err != nil {
		return f, err
	}
	if v := q.Get("include_deleted"); v != "" {
		if f.IncludeDeleted, err = strconv.ParseBool(v); err != nil {
			return f, expedientes.Validation("parse query", "invalid include_deleted %q", v)
		}
	}
	return f, nil
}
