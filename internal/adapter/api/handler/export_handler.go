package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/V4T54L/subwatch/internal/adapter/metrics"
	"github.com/V4T54L/subwatch/internal/domain"
)

// Exporter writes one export resource.
type Exporter interface {
	Handles(req domain.ExportRequest) bool
	Export(ctx context.Context, req domain.ExportRequest, w io.Writer) (int, error)
}

// ExportHandler dispatches export requests to the exporter owning the resource.
type ExportHandler struct {
	exporters []Exporter
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewExportHandler creates a new ExportHandler. m may be nil.
func NewExportHandler(logger *slog.Logger, m *metrics.Metrics, exporters ...Exporter) *ExportHandler {
	return &ExportHandler{
		exporters: exporters,
		logger:    logger.With("component", "export_handler"),
		metrics:   m,
	}
}

// Post handles POST /export with an ExportRequest body.
func (h *ExportHandler) Post(w http.ResponseWriter, r *http.Request) {
	var req domain.ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, "bad_request", http.StatusBadRequest, "invalid request body")
		return
	}
	h.export(w, r, req)
}

// Get handles GET /export/{resource}?org_id=...&format=...; every other query
// parameter is a filter.
func (h *ExportHandler) Get(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := domain.ExportRequest{
		OrgID:    q.Get("org_id"),
		Resource: chi.URLParam(r, "resource"),
		Filters:  make(map[string]string),
	}
	for name, values := range q {
		if name == "org_id" || name == "format" || len(values) == 0 {
			continue
		}
		req.Filters[name] = values[0]
	}
	format, err := domain.ParseExportFormat(q.Get("format"))
	if err != nil {
		h.fail(w, "bad_request", http.StatusBadRequest, err.Error())
		return
	}
	req.Format = format
	h.export(w, r, req)
}

func (h *ExportHandler) export(w http.ResponseWriter, r *http.Request, req domain.ExportRequest) {
	format, err := domain.ParseExportFormat(string(req.Format))
	if err != nil {
		h.fail(w, "bad_request", http.StatusBadRequest, err.Error())
		return
	}
	req.Format = format

	var exporter Exporter
	for _, e := range h.exporters {
		if e.Handles(req) {
			exporter = e
			break
		}
	}
	if exporter == nil {
		h.fail(w, "not_found", http.StatusNotFound, "unknown export resource: "+req.Resource)
		return
	}

	out := &deferredWriter{w: w, contentType: contentTypeOf(format)}
	rows, err := exporter.Export(r.Context(), req, out)
	if err != nil {
		if out.started {
			// Headers are gone; the client sees a truncated document.
			h.logger.Error("export aborted mid-stream", "error", err, "resource", req.Resource, "rows", rows)
			h.count("error")
			return
		}
		var svcErr *domain.ExportServiceError
		if errors.As(err, &svcErr) {
			h.fail(w, "bad_request", svcErr.Status, svcErr.Message)
			return
		}
		h.logger.Error("export failed", "error", err, "resource", req.Resource)
		h.fail(w, "error", http.StatusInternalServerError, "Internal Server Error")
		return
	}
	out.start()
	h.count("ok")
}

func (h *ExportHandler) fail(w http.ResponseWriter, status string, code int, msg string) {
	h.count(status)
	respondWithJSON(w, code, map[string]string{"error": msg})
}

func (h *ExportHandler) count(status string) {
	if h.metrics != nil {
		h.metrics.ExportRequests.WithLabelValues(status).Inc()
	}
}

func contentTypeOf(f domain.ExportFormat) string {
	if f == domain.ExportFormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// deferredWriter sends the success headers on the first write, so failures
// detected before any output can still pick their status code.
type deferredWriter struct {
	w           http.ResponseWriter
	contentType string
	started     bool
}

func (d *deferredWriter) start() {
	if d.started {
		return
	}
	d.started = true
	d.w.Header().Set("Content-Type", d.contentType)
	d.w.WriteHeader(http.StatusOK)
}

func (d *deferredWriter) Write(p []byte) (int, error) {
	d.start()
	return d.w.Write(p)
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
