package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/wisbric/preflightwatch/internal/apperr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response with an explicit status.
func RespondError(w http.ResponseWriter, status int, code string, message string) {
	Respond(w, status, ErrorResponse{Error: code, Message: message})
}

// RespondTaxonomy maps the §7 error taxonomy to a transport status and
// writes the envelope, logging internal errors with their cause. This is
// the single dispatch table §9 calls for in place of catch-all handling at
// each endpoint.
func RespondTaxonomy(w http.ResponseWriter, logger *slog.Logger, requestID string, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		logger.Error("unclassified error", "request_id", requestID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
		return
	}

	switch ae.Kind {
	case apperr.KindPayload:
		RespondError(w, http.StatusBadRequest, ae.Kind.String(), ae.Message)
	case apperr.KindNotFound:
		RespondError(w, http.StatusNotFound, ae.Kind.String(), ae.Message)
	case apperr.KindAccess:
		RespondError(w, http.StatusForbidden, ae.Kind.String(), ae.Message)
	case apperr.KindTransientDelivery, apperr.KindPermanentDelivery:
		// These are dispatcher-internal outcomes; if one ever reaches the
		// HTTP layer it indicates a bug upstream, so surface it as 500
		// without leaking delivery internals.
		logger.Error("delivery error reached http layer", "request_id", requestID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
	default:
		logger.Error("internal error", "request_id", requestID, "error", ae.Err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
	}
}
