package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/sandeepkv93/crm-export-proxy/internal/crm"
	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
	"github.com/sandeepkv93/crm-export-proxy/internal/http/middleware"
	"github.com/sandeepkv93/crm-export-proxy/internal/http/response"
)

const (
	queryEndpoint    = "query"
	defaultEndpoint  = "constituents"
	defaultChunkSize = 1000
	maxChunkSize     = 10000
)

type DataHandler struct {
	records      RecordSource
	queries      QueryExports
	defaultLimit int
}

func NewDataHandler(records RecordSource, queries QueryExports, defaultLimit int) *DataHandler {
	return &DataHandler{records: records, queries: queries, defaultLimit: defaultLimit}
}

// Fetch serves /getBlackbaudData. endpoint names a resource (or "query"); an
// id fetches one record, otherwise up to max_pages pages are followed.
func (h *DataHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := middleware.SessionIDFromContext(r.Context())
	endpoint := strings.ToLower(strings.TrimSpace(q.Get("endpoint")))
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if endpoint == queryEndpoint {
		h.query(w, r, sessionID)
		return
	}

	resource, ok := crm.LookupResource(endpoint)
	if !ok {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "unknown endpoint", map[string]any{"endpoints": append(crm.ResourceNames(), queryEndpoint)})
		return
	}
	if id := strings.TrimSpace(q.Get("id")); id != "" {
		record, err := h.records.GetRecord(r.Context(), sessionID, resource, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, r, http.StatusOK, map[string]any{"value": []domain.Record{record}})
		return
	}

	pageCap, err := parsePageCap(firstNonEmpty(q.Get("max_pages"), q.Get("maxPages")))
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	records, err := h.records.FetchPages(r.Context(), sessionID, resource.ListURL(h.records.BaseURL(), q, h.defaultLimit), pageCap)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"value": records})
}

func (h *DataHandler) query(w http.ResponseWriter, r *http.Request, sessionID string) {
	q := r.URL.Query()
	queryID := strings.TrimSpace(firstNonEmpty(q.Get("query_id"), q.Get("queryId")))
	if queryID == "" {
		badRequest(w, r, "missing query_id")
		return
	}
	if isTruthy(q.Get("schemaOnly")) {
		columns, err := h.queries.Schema(r.Context(), sessionID, queryID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, r, http.StatusOK, map[string]any{"columns": columns})
		return
	}
	page, size, err := parseWindow(q.Get("page"), q.Get("chunkSize"))
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	chunk, err := h.queries.Rows(r.Context(), sessionID, queryID, page, size)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, chunk)
}

type paramError string

func (e paramError) Error() string { return string(e) }

// parsePageCap maps "" to one page and "all" to no cap. "0" is a real cap
// of zero pages.
func parsePageCap(raw string) (int, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "":
		return 1, nil
	case "all":
		return crm.Unlimited, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, paramError("max_pages must be a non-negative integer or \"all\"")
	}
	return n, nil
}

func parseWindow(rawPage, rawSize string) (int, int, error) {
	page, size := 0, defaultChunkSize
	if rawPage != "" {
		n, err := strconv.Atoi(rawPage)
		if err != nil || n < 0 {
			return 0, 0, paramError("page must be a non-negative integer")
		}
		page = n
	}
	if rawSize != "" {
		n, err := strconv.Atoi(rawSize)
		if err != nil || n <= 0 {
			return 0, 0, paramError("chunkSize must be a positive integer")
		}
		size = min(n, maxChunkSize)
	}
	return page, size, nil
}

func isTruthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
