package analytics

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/preflightwatch/internal/apperr"
	"github.com/wisbric/preflightwatch/internal/db"
	"github.com/wisbric/preflightwatch/internal/httpserver"
	"github.com/wisbric/preflightwatch/pkg/outbox"
)

// Handler exposes the Analytics & Metrics HTTP surface: the Prometheus
// text endpoint plus the outbox/attempts query and stats/trends rollups
// folded in from the original ETL service.
type Handler struct {
	renderer *Renderer
	store    *Store
	outbox   *outbox.Outbox
	q        *db.Queries
	logger   *slog.Logger
}

// NewHandler creates an Analytics & Metrics HTTP handler.
func NewHandler(renderer *Renderer, store *Store, ob *outbox.Outbox, q *db.Queries, logger *slog.Logger) *Handler {
	return &Handler{renderer: renderer, store: store, outbox: ob, q: q, logger: logger}
}

// MountMetrics attaches only the Prometheus scrape endpoint. Callers that
// need it exempted from bearer-token auth (scrapers rarely carry one)
// mount it on a router built without the auth middleware.
func (h *Handler) MountMetrics(r chi.Router) {
	r.Get("/diagnostics/metrics", h.metrics)
}

// Mount attaches the remaining notification analytics routes.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/diagnostics/preflight/notifications/outbox", h.listOutbox)
	r.Get("/diagnostics/preflight/notifications/outbox/{id}", h.getOutboxItem)
	r.Post("/diagnostics/preflight/notifications/outbox/{id}/replay", h.replayOutboxItem)
	r.Post("/diagnostics/preflight/notifications/outbox/replay-dead", h.replayDead)
	r.Get("/diagnostics/preflight/notifications/attempts", h.listAttempts)
	r.Get("/diagnostics/preflight/notifications/attempts/{id}", h.getAttempt)
	r.Get("/diagnostics/preflight/notifications/stats", h.stats)
	r.Get("/diagnostics/preflight/notifications/trends", h.trends)
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	httpserver.RespondTaxonomy(w, h.logger, httpserver.RequestIDFromContext(r.Context()), err)
}

func (h *Handler) metrics(w http.ResponseWriter, r *http.Request) {
	body := h.renderer.Render(r.Context())
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (h *Handler) listOutbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := db.QueryOutboxItemsFilter{DateField: q.Get("date_field")}
	if v := q.Get("status"); v != "" {
		f.Statuses = strings.Split(strings.ToUpper(v), ",")
	}
	if v := q.Get("event_type"); v != "" {
		f.EventType = &v
	}
	if v := q.Get("channel_target"); v != "" {
		f.ChannelTarget = &v
	}
	from, ok := parseTimeParam(w, r, h, q, "date_from")
	if !ok {
		return
	}
	f.DateFrom = from
	to, ok := parseTimeParam(w, r, h, q, "date_to")
	if !ok {
		return
	}
	f.DateTo = to
	if n, ok := parseLimit(w, r, h, q); ok {
		f.Limit = n
	} else {
		return
	}

	items, err := h.outbox.Query(r.Context(), f)
	if err != nil {
		h.respondErr(w, r, apperr.Internal(err, "querying outbox items"))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) getOutboxItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := h.outbox.Get(r.Context(), id)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, item)
}

func (h *Handler) replayOutboxItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := h.outbox.Replay(r.Context(), id)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, item)
}

func (h *Handler) replayDead(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if n, ok := parseLimit(w, r, h, q); ok && n > 0 {
		limit = n
	} else if !ok {
		return
	}

	items, err := h.outbox.ReplayDead(r.Context(), limit)
	if err != nil {
		h.respondErr(w, r, apperr.Internal(err, "replaying dead outbox items"))
		return
	}
	httpserver.Respond(w, http.StatusCreated, map[string]any{"replayed": items})
}

func (h *Handler) listAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := db.QueryDeliveryAttemptsFilter{}
	if v := q.Get("outbox_item_id"); v != "" {
		f.OutboxItemID = &v
	}
	if v := q.Get("channel_target"); v != "" {
		f.ChannelTarget = &v
	}
	if v := q.Get("event_type"); v != "" {
		f.EventType = &v
	}
	if v := q.Get("attempt_status"); v != "" {
		f.AttemptStatus = strings.Split(strings.ToUpper(v), ",")
	}
	from, ok := parseTimeParam(w, r, h, q, "date_from")
	if !ok {
		return
	}
	f.DateFrom = from
	to, ok := parseTimeParam(w, r, h, q, "date_to")
	if !ok {
		return
	}
	f.DateTo = to
	if n, ok := parseLimit(w, r, h, q); ok {
		f.Limit = n
	} else {
		return
	}

	rows, err := h.q.QueryDeliveryAttempts(r.Context(), f)
	if err != nil {
		h.respondErr(w, r, apperr.Internal(err, "querying delivery attempts"))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"attempts": rows})
}

func (h *Handler) getAttempt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row, err := h.q.GetDeliveryAttempt(r.Context(), id)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, row)
}

func (h *Handler) statsFilter(w http.ResponseWriter, r *http.Request, q map[string][]string) (StatsFilter, bool) {
	var f StatsFilter
	if v := firstOf(q, "days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.respondErr(w, r, apperr.Payload("days must be an integer"))
			return f, false
		}
		f.Days = &n
	}
	if v := firstOf(q, "event_type"); v != "" {
		f.EventType = &v
	}
	if v := firstOf(q, "channel_target"); v != "" {
		f.ChannelTarget = &v
	}
	from, ok := parseTimeParam(w, r, h, q, "date_from")
	if !ok {
		return f, false
	}
	f.DateFrom = from
	to, ok := parseTimeParam(w, r, h, q, "date_to")
	if !ok {
		return f, false
	}
	f.DateTo = to
	return f, true
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, ok := h.statsFilter(w, r, q)
	if !ok {
		return
	}
	result, err := h.store.Stats(r.Context(), f)
	if err != nil {
		h.respondErr(w, r, apperr.Internal(err, "computing notification stats"))
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

func (h *Handler) trends(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, ok := h.statsFilter(w, r, q)
	if !ok {
		return
	}
	result, err := h.store.Trends(r.Context(), f, q.Get("bucket"))
	if err != nil {
		h.respondErr(w, r, apperr.Internal(err, "computing notification trends"))
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

func parseLimit(w http.ResponseWriter, r *http.Request, h *Handler, q map[string][]string) (int, bool) {
	v := firstOf(q, "limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		h.respondErr(w, r, apperr.Payload("limit must be an integer"))
		return 0, false
	}
	return n, true
}

func parseTimeParam(w http.ResponseWriter, r *http.Request, h *Handler, q map[string][]string, key string) (*time.Time, bool) {
	v := firstOf(q, key)
	if v == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		h.respondErr(w, r, apperr.Payload("%s must be RFC3339", key))
		return nil, false
	}
	return &t, true
}

func firstOf(q map[string][]string, key string) string {
	v := q[key]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}
