package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sandeepkv93/crm-export-proxy/internal/crm"
	"github.com/sandeepkv93/crm-export-proxy/internal/http/middleware"
	"github.com/sandeepkv93/crm-export-proxy/internal/http/response"
	"github.com/sandeepkv93/crm-export-proxy/internal/observability"
)

type ExportHandler struct {
	bulk         BulkExports
	records      RecordSource
	defaultLimit int
}

func NewExportHandler(bulk BulkExports, records RecordSource, defaultLimit int) *ExportHandler {
	return &ExportHandler{bulk: bulk, records: records, defaultLimit: defaultLimit}
}

// Start runs a full export of {resource} and answers once the artifact is
// complete. Filters on the request are forwarded to the first page.
func (h *ExportHandler) Start(w http.ResponseWriter, r *http.Request) {
	resource, ok := h.resource(w, r)
	if !ok {
		return
	}
	sessionID := middleware.SessionIDFromContext(r.Context())
	startURL := resource.ListURL(h.records.BaseURL(), r.URL.Query(), h.defaultLimit)
	result, err := h.bulk.Start(r.Context(), sessionID, resource, startURL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.records.ForgetMisses(r.Context(), resource.Name); err != nil {
		slog.WarnContext(r.Context(), "forget record misses failed", "resource", resource.Name, "error", err)
	}
	observability.Audit(r, "export.bulk.start", "success", "session", observability.SessionFingerprint(sessionID), "job_id", result.JobID, "resource", resource.Name, "rows", result.Rows)
	response.JSON(w, r, http.StatusOK, result)
}

func (h *ExportHandler) Chunk(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.resource(w, r); !ok {
		return
	}
	q := r.URL.Query()
	jobID := strings.TrimSpace(q.Get("id"))
	if jobID == "" {
		badRequest(w, r, "missing id")
		return
	}
	page, size, err := parseWindow(q.Get("page"), q.Get("chunkSize"))
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	chunk, err := h.bulk.ReadChunk(r.Context(), middleware.SessionIDFromContext(r.Context()), jobID, page, size)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, chunk)
}

// Purge deletes an export. A second purge of the same id answers 404 with
// status already_gone so clients can treat it as done.
func (h *ExportHandler) Purge(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.resource(w, r); !ok {
		return
	}
	jobID := chi.URLParam(r, "id")
	sessionID := middleware.SessionIDFromContext(r.Context())
	if err := h.bulk.Purge(r.Context(), sessionID, jobID); err != nil {
		observability.Audit(r, "export.bulk.purge", "failure", "session", observability.SessionFingerprint(sessionID), "job_id", jobID)
		writeError(w, r, err)
		return
	}
	observability.Audit(r, "export.bulk.purge", "success", "session", observability.SessionFingerprint(sessionID), "job_id", jobID)
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "purged", "id": jobID})
}

func (h *ExportHandler) resource(w http.ResponseWriter, r *http.Request) (crm.Resource, bool) {
	resource, ok := crm.LookupResource(chi.URLParam(r, "resource"))
	if !ok {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "unknown resource", map[string]any{"resources": crm.ResourceNames()})
		return crm.Resource{}, false
	}
	return resource, true
}
