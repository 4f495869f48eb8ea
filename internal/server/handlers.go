package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nao1215/linkscan/internal/config"
	"github.com/nao1215/linkscan/internal/model"
	"github.com/nao1215/linkscan/internal/report"
)

// maxRequestBody bounds the size of a scan request body.
const maxRequestBody = 64 * 1024

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// StartResponse is the body of a successful POST /api/v1/scans.
type StartResponse struct {
	ID       string             `json:"id"`
	Progress model.ScanProgress `json:"progress"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	resp := ErrorResponse{
		Message:   message,
		Code:      status,
		RequestID: RequestID(r.Context()),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "failed to decode request body", err)
		return
	}

	run, err := s.manager.Start(req)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, config.ErrUnknownSource):
		writeError(w, r, http.StatusBadRequest, "invalid scan request", err)
		return
	case errors.Is(err, ErrTooManyScans):
		writeError(w, r, http.StatusTooManyRequests, "too many active scans", err)
		return
	case errors.Is(err, ErrShuttingDown):
		writeError(w, r, http.StatusServiceUnavailable, "server is shutting down", err)
		return
	default:
		writeError(w, r, http.StatusInternalServerError, "failed to start scan", err)
		return
	}

	w.Header().Set("Location", "/api/v1/scans/"+run.ID())
	writeJSON(w, http.StatusAccepted, StartResponse{ID: run.ID(), Progress: run.Progress()})
}

func (s *Server) handleListScans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	run, ok := s.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "scan not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, run.Progress())
}

func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	run, err := s.manager.Cancel(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, ErrScanNotFound):
		writeError(w, r, http.StatusNotFound, "scan not found", nil)
	case errors.Is(err, ErrScanFinished):
		writeError(w, r, http.StatusConflict, "scan already finished", err)
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "failed to cancel scan", err)
	default:
		writeJSON(w, http.StatusAccepted, run.Progress())
	}
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.manager.Report(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrScanNotFound) {
		writeError(w, r, http.StatusNotFound, "scan not found", nil)
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to load report", err)
		return
	}

	format := r.URL.Query().Get("format")
	writer, contentType, err := reportWriter(w, format, s.version)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unsupported report format", err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := writer.Write(rep); err != nil {
		s.logger.Warn("failed to write report", "request_id", RequestID(r.Context()), "error", err)
	}
}

// reportWriter maps a format query value to a report writer.
func reportWriter(w io.Writer, format, version string) (report.Writer, string, error) {
	switch format {
	case "", "json":
		return report.NewFullJSONWriter(w, version), "application/json", nil
	case "markdown", "md":
		return report.NewMarkdownWriter(w), "text/markdown; charset=utf-8", nil
	case "csv":
		return report.NewCSVWriter(w), "text/csv; charset=utf-8", nil
	case "text":
		return report.NewSimpleWriter(w), "text/plain; charset=utf-8", nil
	default:
		return nil, "", fmt.Errorf("format %q (want json, markdown, csv or text)", format)
	}
}
