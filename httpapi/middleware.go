package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/oarkflow/expedientes"
)

// UserHeader carries the authenticated user id (CIP code) set by the gateway.
const UserHeader = "X-User-ID"

type actorKey struct{}

// ActorFrom returns the actor stored by Authenticate.
func ActorFrom(ctx context.Context) *expedientes.Actor {
	a, _ := ctx.Value(actorKey{}).(*expedientes.Actor)
	return a
}

// Authenticate resolves the request user into an actor.
func (s *Server) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.dir.ResolveActor(r.Context(), r.Header.Get(UserHeader))
		if err != nil {
			respondError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

// RequireBit gates a route on one permission bit. It only applies the bypass
// and bit steps; the resource-aware decision is made by the operation.
func (s *Server) RequireBit(bit expedientes.Bit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := &expedientes.AccessRequest{
				Endpoint:     r.Method + " " + r.URL.Path,
				Actor:        ActorFrom(r.Context()),
				Bit:          bit,
				ResourceType: expedientes.ResourceDocument,
			}
			if err := s.engine.CheckBit(r.Context(), req); err != nil {
				respondError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration_ms", time.Since(start).Milliseconds())
	})
}
