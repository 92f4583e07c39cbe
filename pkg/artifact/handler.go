package artifact

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/preflightwatch/internal/httpserver"
	"github.com/wisbric/preflightwatch/pkg/registry"
)

// Handler exposes the gateway at
// /api/v1/diagnostics/preflight/runs/{run_id}/sources/{source}/*.
type Handler struct {
	gw     *Gateway
	reg    *registry.Registry
	logger *slog.Logger
}

// NewHandler creates an artifact HTTP handler.
func NewHandler(gw *Gateway, reg *registry.Registry, logger *slog.Logger) *Handler {
	return &Handler{gw: gw, reg: reg, logger: logger}
}

// Mount attaches the artifact routes onto r.
func (h *Handler) Mount(r chi.Router) {
	base := "/diagnostics/preflight/runs/{run_id}/sources/{source}"
	r.Get(base+"/artifacts", h.listArtifacts)
	r.Get(base+"/validation", h.loadJSON(KindValidation))
	r.Get(base+"/semantic", h.loadJSON(KindSemantic))
	r.Get(base+"/manifest", h.loadJSON(KindManifest))
	r.Get(base+"/preflight", h.loadJSON(KindPreflight))
	r.Get(base+"/download/{kind}", h.download)
}

func (h *Handler) listArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	source := chi.URLParam(r, "source")

	dbRec, err := h.reg.GetSource(r.Context(), runID, source)
	if err != nil {
		httpserver.RespondTaxonomy(w, h.logger, httpserver.RequestIDFromContext(r.Context()), err)
		return
	}

	infos, err := h.gw.ListArtifacts(dbRec)
	if err != nil {
		httpserver.RespondTaxonomy(w, h.logger, httpserver.RequestIDFromContext(r.Context()), err)
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"run_id":      runID,
		"source_name": source,
		"artifacts":   infos,
	})
}

func (h *Handler) loadJSON(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")
		source := chi.URLParam(r, "source")

		dbRec, err := h.reg.GetSource(r.Context(), runID, source)
		if err != nil {
			httpserver.RespondTaxonomy(w, h.logger, httpserver.RequestIDFromContext(r.Context()), err)
			return
		}

		obj, err := h.gw.LoadJSON(dbRec, kind)
		if err != nil {
			httpserver.RespondTaxonomy(w, h.logger, httpserver.RequestIDFromContext(r.Context()), err)
			return
		}
		httpserver.Respond(w, http.StatusOK, obj)
	}
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	source := chi.URLParam(r, "source")
	kind := Kind(chi.URLParam(r, "kind"))

	dbRec, err := h.reg.GetSource(r.Context(), runID, source)
	if err != nil {
		httpserver.RespondTaxonomy(w, h.logger, httpserver.RequestIDFromContext(r.Context()), err)
		return
	}

	path, contentType, err := h.gw.ResolveDownload(dbRec, kind)
	if err != nil {
		httpserver.RespondTaxonomy(w, h.logger, httpserver.RequestIDFromContext(r.Context()), err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_%s_%s"`, runID, source, string(kind)))
	if err := h.gw.Stream(w, path); err != nil {
		h.logger.Error("streaming artifact failed mid-write", "error", err, "run_id", runID, "source", source, "kind", kind)
	}
}
