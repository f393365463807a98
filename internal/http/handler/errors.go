package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sandeepkv93/crm-export-proxy/internal/crm"
	"github.com/sandeepkv93/crm-export-proxy/internal/export"
	"github.com/sandeepkv93/crm-export-proxy/internal/http/response"
	"github.com/sandeepkv93/crm-export-proxy/internal/observability"
	"github.com/sandeepkv93/crm-export-proxy/internal/service"
)

// writeError maps pipeline failures onto the response envelope. Unknown
// errors and every 5xx are reported to Sentry.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := classify(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "code", code, "error", err)
		observability.CaptureError(r.Context(), err, map[string]string{"code": code, "path": r.URL.Path})
	}
	response.Error(w, r, status, code, message, details)
}

func classify(err error) (int, string, string, any) {
	var upErr *crm.UpstreamError
	var jobErr *export.JobFailedError
	switch {
	case errors.Is(err, service.ErrNotAuthenticated):
		return http.StatusUnauthorized, "NOT_AUTHENTICATED", "not authenticated", nil
	case errors.Is(err, service.ErrRefreshFailed):
		return http.StatusUnauthorized, "REFRESH_FAILED", "token refresh failed; re-authenticate", nil
	case errors.As(err, &upErr):
		return http.StatusInternalServerError, "UPSTREAM_ERROR", "upstream request failed", map[string]any{
			"status": upErr.StatusCode,
			"body":   upErr.Body,
			"url":    upErr.URL,
		}
	case errors.Is(err, crm.ErrMalformedResponse):
		return http.StatusBadGateway, "MALFORMED_RESPONSE", "upstream returned an unreadable body", nil
	case errors.As(err, &jobErr):
		return http.StatusBadGateway, "JOB_FAILED", "query job failed", map[string]any{"job_id": jobErr.JobID, "payload": jobErr.Payload}
	case errors.Is(err, export.ErrJobTimeout):
		return http.StatusGatewayTimeout, "JOB_TIMEOUT", "query job did not finish in time", nil
	case errors.Is(err, export.ErrExportExpired):
		return http.StatusNotFound, "EXPORT_EXPIRED", "export not found or expired", map[string]any{"status": "already_gone"}
	case errors.Is(err, export.ErrInvalidJobID), errors.Is(err, export.ErrInvalidChunk):
		return http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil
	case errors.Is(err, service.ErrInvalidCallback):
		return http.StatusBadRequest, "BAD_REQUEST", "invalid or expired oauth callback", nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", "request timed out", nil
	default:
		return http.StatusInternalServerError, "INTERNAL", "internal server error", nil
	}
}

func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", message, nil)
}
