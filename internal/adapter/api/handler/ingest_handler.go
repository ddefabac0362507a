package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/V4T54L/subwatch/internal/adapter/metrics"
)

var errUnsupportedEncoding = errors.New("unsupported content encoding")

// EventPublisher appends raw event payloads to the event stream.
type EventPublisher interface {
	Publish(ctx context.Context, payloads ...string) error
}

// IngestHandler accepts raw service instance events over HTTP and publishes
// them to the event stream. Parsing and deduplication happen downstream.
type IngestHandler struct {
	publisher   EventPublisher
	logger      *slog.Logger
	metrics     *metrics.Metrics
	maxBodySize int64
}

// NewIngestHandler creates a new IngestHandler. m may be nil.
func NewIngestHandler(p EventPublisher, logger *slog.Logger, maxBodySize int64, m *metrics.Metrics) *IngestHandler {
	return &IngestHandler{
		publisher:   p,
		logger:      logger.With("component", "ingest_handler"),
		metrics:     m,
		maxBodySize: maxBodySize,
	}
}

// ServeHTTP handles POST /events. The body is either a JSON array of events
// (application/json) or one event per line (application/x-ndjson), optionally
// gzip or zstd encoded.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || (mediaType != "application/json" && mediaType != "application/x-ndjson") {
		h.count("error_media_type")
		http.Error(w, "Unsupported Media Type: "+r.Header.Get("Content-Type"), http.StatusUnsupportedMediaType)
		return
	}

	body, err := h.decodedBody(w, r)
	if err != nil {
		h.count("error_media_type")
		http.Error(w, "Unsupported Media Type: "+err.Error(), http.StatusUnsupportedMediaType)
		return
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.count("error_size")
			http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
			return
		}
		h.count("error_body")
		http.Error(w, "Bad Request: Failed to read body", http.StatusBadRequest)
		return
	}
	if h.metrics != nil {
		h.metrics.BytesTotal.Add(float64(len(raw)))
	}

	var payloads []string
	rejected := 0
	if mediaType == "application/x-ndjson" {
		payloads, rejected, err = splitNDJSON(raw)
	} else {
		payloads, err = splitJSON(raw)
	}
	if err != nil || len(payloads) == 0 {
		h.count("error_body")
		h.logger.Warn("rejected ingest body", "error", err, "rejected_lines", rejected)
		http.Error(w, "Bad Request: Failed to decode events", http.StatusBadRequest)
		return
	}

	if err := h.publisher.Publish(r.Context(), payloads...); err != nil {
		h.count("error_buffer")
		h.logger.Error("failed to publish events", "error", err, "count", len(payloads))
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	h.count("accepted")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]int{"accepted": len(payloads), "rejected": rejected})
}

// decodedBody limits the wire body and, after decompression, the decoded
// body to maxBodySize.
func (h *IngestHandler) decodedBody(w http.ResponseWriter, r *http.Request) (io.ReadCloser, error) {
	body := http.MaxBytesReader(w, r.Body, h.maxBodySize)
	switch enc := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
		return body, nil
	case "gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip stream: %w", err)
		}
		return http.MaxBytesReader(w, zr, h.maxBodySize), nil
	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("invalid zstd stream: %w", err)
		}
		return http.MaxBytesReader(w, zr.IOReadCloser(), h.maxBodySize), nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedEncoding, enc)
	}
}

func (h *IngestHandler) count(status string) {
	if h.metrics != nil {
		h.metrics.PayloadsTotal.WithLabelValues(status).Inc()
	}
}

// splitJSON accepts a single event object or an array of them.
func splitJSON(raw []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if !json.Valid(trimmed) {
			return nil, errors.New("invalid JSON object")
		}
		return []string{compact(trimmed)}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, err
	}
	payloads := make([]string, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, compact(item))
	}
	return payloads, nil
}

// splitNDJSON returns the valid lines of raw and how many were skipped.
func splitNDJSON(raw []byte) ([]string, int, error) {
	var payloads []string
	rejected := 0
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), len(raw)+1)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			rejected++
			continue
		}
		payloads = append(payloads, compact(line))
	}
	return payloads, rejected, scanner.Err()
}

func compact(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
