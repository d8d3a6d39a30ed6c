package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/oarkflow/expedientes"
)

// Documents

// registerDocument handles POST /api/documents
func (s *Server) registerDocument(w http.ResponseWriter, r *http.Request) {
	var in expedientes.RegisterInput
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, err)
		return
	}
	if in.OriginAreaID == "" {
		in.OriginAreaID = ActorFrom(r.Context()).AreaID
	}
	doc, err := s.workflow.Register(r.Context(), ActorFrom(r.Context()), in)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, doc)
}

// listDocuments handles GET /api/documents
func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	f, err := documentFilter(r)
	if err != nil {
		respondError(w, err)
		return
	}
	docs, err := s.workflow.List(r.Context(), ActorFrom(r.Context()), f)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, docs)
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.workflow.Get(r.Context(), ActorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (s *Server) updateDocument(w http.ResponseWriter, r *http.Request) {
	var in expedientes.UpdateInput
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, err)
		return
	}
	doc, err := s.workflow.Update(r.Context(), ActorFrom(r.Context()), mux.Vars(r)["id"], in)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

type statusRequest struct {
	State        expedientes.DocumentState `json:"state"`
	Observations string                    `json:"observations,omitempty"`
}

func (s *Server) setStatus(w http.ResponseWriter, r *http.Request) {
	var in statusRequest
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, err)
		return
	}
	doc, err := s.workflow.SetStatus(r.Context(), ActorFrom(r.Context()), mux.Vars(r)["id"], in.State, in.Observations)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (s *Server) deriveDocument(w http.ResponseWriter, r *http.Request) {
	var in expedientes.DeriveInput
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, err)
		return
	}
	doc, err := s.workflow.Derive(r.Context(), ActorFrom(r.Context()), mux.Vars(r)["id"], in)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (s *Server) softDelete(w http.ResponseWriter, r *http.Request) {
	doc, err := s.workflow.SoftDelete(r.Context(), ActorFrom(r.Context()), mux.Vars(r)["id"], r.URL.Query().Get("reason"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (s *Server) restore(w http.ResponseWriter, r *http.Request) {
	doc, err := s.workflow.Restore(r.Context(), ActorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (s *Server) purge(w http.ResponseWriter, r *http.Request) {
	doc, err := s.workflow.Purge(r.Context(), ActorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": doc.ID, "code": doc.Code, "purged": true})
}

// history handles GET /api/documents/{id}/history
func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	entries, err := s.workflow.History(r.Context(), ActorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	f, err := documentFilter(r)
	if err != nil {
		respondError(w, err)
		return
	}
	out, err := s.workflow.Export(r.Context(), ActorFrom(r.Context()), f)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// Contextual rules

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var rule expedientes.ContextualRule
	if err := decodeJSON(r, &rule); err != nil {
		respondError(w, err)
		return
	}
	out, err := s.engine.CreateRule(r.Context(), ActorFrom(r.Context()), &rule)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, out)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := expedientes.RuleFilter{
		RoleID:       q.Get("role"),
		AreaID:       q.Get("area"),
		ResourceType: expedientes.ResourceType(q.Get("resource_type")),
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, expedientes.Validation("parse query", "invalid active %q", v))
			return
		}
		f.ActiveOnly = active
	}
	out, err := s.engine.ListRules(r.Context(), ActorFrom(r.Context()), f)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.GetRule(r.Context(), ActorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// updateRuleRequest keeps a rule active unless the body says otherwise.
type updateRuleRequest struct {
	expedientes.ContextualRule
	Active *bool `json:"active"`
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	var in updateRuleRequest
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, err)
		return
	}
	rule := in.ContextualRule
	rule.ID = mux.Vars(r)["id"]
	rule.Active = in.Active == nil || *in.Active
	out, err := s.engine.UpdateRule(r.Context(), ActorFrom(r.Context()), &rule)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.DeleteRule(r.Context(), ActorFrom(r.Context()), id); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "active": false})
}

// Audit

func (s *Server) securityEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := expedientes.SecurityEventFilter{ActorID: q.Get("actor")}
	var err error
	if f.StartTime, err = queryTime(q, "from"); err != nil {
		respondError(w, err)
		return
	}
	if f.EndTime, err = queryTime(q, "to"); err != nil {
		respondError(w, err)
		return
	}
	if f.Limit, err = queryInt(q, "limit"); err != nil {
		respondError(w, err)
		return
	}
	if v := q.Get("allowed"); v != "" {
		allowed, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, expedientes.Validation("parse query", "invalid allowed %q", v))
			return
		}
		f.Allowed = &allowed
	}
	out, err := s.engine.SecurityEvents(r.Context(), ActorFrom(r.Context()), f)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}
