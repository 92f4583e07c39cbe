package registry

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/preflightwatch/internal/apperr"
	"github.com/wisbric/preflightwatch/internal/db"
	"github.com/wisbric/preflightwatch/internal/httpserver"
)

// Handler exposes the registry's read surface at
// /api/v1/diagnostics/preflight/{runs,latest}.
type Handler struct {
	reg    *Registry
	logger *slog.Logger
}

// NewHandler creates a registry HTTP handler.
func NewHandler(reg *Registry, logger *slog.Logger) *Handler {
	return &Handler{reg: reg, logger: logger}
}

// Mount attaches the registry routes onto r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/diagnostics/preflight/runs", h.listRuns)
	r.Get("/diagnostics/preflight/runs/{run_id}", h.getRun)
	r.Get("/diagnostics/preflight/latest", h.getLatest)
	r.Get("/diagnostics/preflight/latest/{source_name}", h.getLatest)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := db.PreflightRunFilter{}

	if v := q.Get("source_name"); v != "" {
		f.SourceName = &v
	}
	if v := q.Get("mode"); v != "" {
		f.Mode = &v
	}
	if v := q.Get("final_status"); v != "" {
		f.FinalStatus = &v
	}
	if v := q.Get("data_source_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httpserver.RespondTaxonomy(w, h.logger, httpserver.RequestIDFromContext(r.Context()),
				apperr.Payload("data_source_id must be an integer"))
			return
		}
		f.DataSourceID = &id
	}
	if v := q.Get("date_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpserver.RespondTaxonomy(w, h.logger, httpserver.RequestIDFromContext(r.Context()),
				apperr.Payload("date_from must be RFC3339"))
			return
		}
		f.DateFrom = &t
	}
	if v := q.Get("date_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpserver.RespondTaxonomy(w, h.logger, httpserver.RequestIDFromContext(r.Context()),
				apperr.Payload("date_to must be RFC3339"))
			return
		}
		f.DateTo = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httpserver.RespondTaxonomy(w, h.logger, httpserver.RequestIDFromContext(r.Context()),
				apperr.Payload("limit must be an integer"))
			return
		}
		f.Limit = n
	}
	if q.Get("order") == "asc" {
		f.Ascending = true
	}

	records, err := h.reg.ListRuns(r.Context(), f)
	if err != nil {
		httpserver.RespondTaxonomy(w, h.logger, httpserver.RequestIDFromContext(r.Context()), err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"runs": records})
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	agg, err := h.reg.GetRun(r.Context(), runID)
	if err != nil {
		httpserver.RespondTaxonomy(w, h.logger, httpserver.RequestIDFromContext(r.Context()), err)
		return
	}
	httpserver.Respond(w, http.StatusOK, agg)
}

func (h *Handler) getLatest(w http.ResponseWriter, r *http.Request) {
	var sourceName *string
	if v := chi.URLParam(r, "source_name"); v != "" {
		sourceName = &v
	} else if v := r.URL.Query().Get("source_name"); v != "" {
		sourceName = &v
	}

	agg, err := h.reg.GetLatest(r.Context(), sourceName)
	if err != nil {
		httpserver.RespondTaxonomy(w, h.logger, httpserver.RequestIDFromContext(r.Context()), err)
		return
	}
	if agg == nil {
		httpserver.RespondTaxonomy(w, h.logger, httpserver.RequestIDFromContext(r.Context()),
			apperr.NotFound("no preflight runs recorded"))
		return
	}
	httpserver.Respond(w, http.StatusOK, agg)
}
