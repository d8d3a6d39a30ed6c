package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/oarkflow/expedientes"
)

// Response is the envelope of every API response.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind expedientes.Kind) int {
	switch kind {
	case expedientes.KindUnauthenticated:
		return http.StatusUnauthorized
	case expedientes.KindForbidden:
		return http.StatusForbidden
	case expedientes.KindNotFound:
		return http.StatusNotFound
	case expedientes.KindValidation:
		return http.StatusUnprocessableEntity
	case expedientes.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Success: true, Data: data})
}

// respondError writes the envelope for err. Forbidden and Internal errors
// carry a generic message; the details are in the logs and security events.
func respondError(w http.ResponseWriter, err error) {
	kind := expedientes.KindOf(err)
	resp := Response{Success: false, Error: kind.String()}
	switch kind {
	case expedientes.KindForbidden:
		resp.Message = "insufficient permissions"
		resp.Reason = string(expedientes.ReasonOf(err))
	case expedientes.KindInternal:
		resp.Message = "internal error"
	default:
		var e *expedientes.Error
		if errors.As(err, &e) {
			resp.Message = e.Message
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusFor(kind))
	_ = json.NewEncoder(w).Encode(resp)
}

// decodeJSON decodes the request body; typed errors raised by field decoders
// (conditions, permission names) are kept, anything else is a Validation error.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var e *expedientes.Error
		if errors.As(err, &e) {
			return err
		}
		return expedientes.Validation("decode request", "invalid request payload: %v", err)
	}
	return nil
}
