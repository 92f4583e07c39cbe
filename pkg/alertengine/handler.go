package alertengine

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/wisbric/preflightwatch/internal/apperr"
	"github.com/wisbric/preflightwatch/internal/authn"
	"github.com/wisbric/preflightwatch/internal/db"
	"github.com/wisbric/preflightwatch/internal/httpserver"
	"github.com/wisbric/preflightwatch/pkg/policy"
)

var validate = validator.New()

// PolicySource supplies the currently-loaded policy/channel documents to
// the evaluate endpoint, reloaded from disk on each admin-triggered run so
// an operator editing the YAML files doesn't need to restart the process.
type PolicySource interface {
	Policies() ([]policy.AlertPolicy, error)
	Channels() ([]policy.NotificationChannel, error)
}

// Handler exposes the Alert Engine's HTTP surface under
// /api/v1/diagnostics/alerts/*.
type Handler struct {
	engine   *Engine
	policies PolicySource
	logger   *slog.Logger
}

// NewHandler creates an Alert Engine HTTP handler.
func NewHandler(engine *Engine, policies PolicySource, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, policies: policies, logger: logger}
}

// Mount attaches the alerts routes onto r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/diagnostics/alerts/active", h.listActive)
	r.Get("/diagnostics/alerts/history", h.listHistory)
	r.Get("/diagnostics/alerts/policies", h.listPolicies)
	r.Get("/diagnostics/alerts/audit", h.listAudit)

	r.Get("/diagnostics/alerts/silences", h.listSilences)
	r.Post("/diagnostics/alerts/silences", h.createSilence)
	r.Post("/diagnostics/alerts/silences/{silence_id}/expire", h.expireSilence)

	r.Post("/diagnostics/alerts/{alert_id}/ack", h.ackAlert)
	r.Post("/diagnostics/alerts/{alert_id}/unack", h.unackAlert)

	r.With(authn.RequireAdmin).Post("/diagnostics/alerts/evaluate", h.evaluate)
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	httpserver.RespondTaxonomy(w, h.logger, httpserver.RequestIDFromContext(r.Context()), err)
}

func (h *Handler) listActive(w http.ResponseWriter, r *http.Request) {
	rows, err := h.engine.ListActiveAlerts(r.Context())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"alerts": rows})
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := db.ListAlertHistoryFilter{}
	if v := q.Get("policy_id"); v != "" {
		f.PolicyID = &v
	}
	if n, ok := h.parseLimit(w, r, q); ok {
		f.Limit = n
	} else {
		return
	}

	rows, err := h.engine.ListAlertHistory(r.Context(), f)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"history": rows})
}

func (h *Handler) listPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.policies.Policies()
	if err != nil {
		h.respondErr(w, r, apperr.Internal(err, "loading alert policies"))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"policies": policies})
}

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("summary") == "counts" {
		counts, err := h.engine.CountAuditEventsByType(r.Context())
		if err != nil {
			h.respondErr(w, r, err)
			return
		}
		httpserver.Respond(w, http.StatusOK, map[string]any{"counts": counts})
		return
	}

	f := db.ListAlertAuditEventsFilter{}
	if v := q.Get("alert_id"); v != "" {
		f.AlertID = &v
	}
	if n, ok := h.parseLimit(w, r, q); ok {
		f.Limit = n
	} else {
		return
	}

	rows, err := h.engine.ListAuditEvents(r.Context(), f)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"events": rows})
}

func (h *Handler) listSilences(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := db.ListSilencesFilter{Now: h.engine.clock.Now()}
	if q.Get("active_only") == "true" {
		f.ActiveOnly = true
	}
	if n, ok := h.parseLimit(w, r, q); ok {
		f.Limit = n
	} else {
		return
	}

	rows, err := h.engine.ListSilences(r.Context(), f)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"silences": rows})
}

type createSilenceRequest struct {
	PolicyID   *string `json:"policy_id"`
	SourceName *string `json:"source_name"`
	Severity   *string `json:"severity"`
	RuleID     *string `json:"rule_id"`
	StartsAt   time.Time `json:"starts_at" validate:"required"`
	EndsAt     time.Time `json:"ends_at" validate:"required"`
	Reason     string  `json:"reason" validate:"required"`
	CreatedBy  string  `json:"created_by" validate:"required"`
}

func (h *Handler) createSilence(w http.ResponseWriter, r *http.Request) {
	var req createSilenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(w, r, apperr.Payload("invalid JSON body: %v", err))
		return
	}
	if err := validate.Struct(req); err != nil {
		h.respondErr(w, r, apperr.Payload("validation failed: %v", err))
		return
	}

	id, err := h.engine.CreateSilence(r.Context(), CreateSilenceInput{
		PolicyID: req.PolicyID, SourceName: req.SourceName, Severity: req.Severity,
		RuleID: req.RuleID, StartsAt: req.StartsAt, EndsAt: req.EndsAt,
		Reason: req.Reason, CreatedBy: req.CreatedBy,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, map[string]any{"silence_id": id})
}

func (h *Handler) expireSilence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "silence_id")
	actor := actorOf(r)
	if err := h.engine.ExpireSilence(r.Context(), id, actor); err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"expired": true})
}

type ackRequest struct {
	Note *string `json:"note"`
}

func (h *Handler) ackAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alert_id")
	var req ackRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondErr(w, r, apperr.Payload("invalid JSON body: %v", err))
			return
		}
	}
	if err := h.engine.AcknowledgeAlert(r.Context(), alertID, actorOf(r), req.Note); err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (h *Handler) unackAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alert_id")
	if err := h.engine.UnacknowledgeAlert(r.Context(), alertID, actorOf(r)); err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"acknowledged": false})
}

func (h *Handler) evaluate(w http.ResponseWriter, r *http.Request) {
	policies, err := h.policies.Policies()
	if err != nil {
		h.respondErr(w, r, apperr.Internal(err, "loading alert policies"))
		return
	}
	channels, err := h.policies.Channels()
	if err != nil {
		h.respondErr(w, r, apperr.Internal(err, "loading notification channels"))
		return
	}

	results, err := h.engine.RunEvaluation(r.Context(), actorOf(r), policies, channels)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"results": results})
}

func actorOf(r *http.Request) string {
	if v := r.Header.Get("X-Actor"); v != "" {
		return v
	}
	return "api"
}

func (h *Handler) parseLimit(w http.ResponseWriter, r *http.Request, q map[string][]string) (int, bool) {
	v := q["limit"]
	if len(v) == 0 || v[0] == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v[0])
	if err != nil {
		h.respondErr(w, r, apperr.Payload("limit must be an integer"))
		return 0, false
	}
	return n, true
}
