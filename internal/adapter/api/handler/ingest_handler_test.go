package handler

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/subwatch/internal/adapter/metrics"
	"github.com/V4T54L/subwatch/internal/domain/mocks"
)

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func zstdEncoded(t *testing.T, s string) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll([]byte(s), nil)
}

func TestIngestHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	event1 := `{"org_id":"org1","event_type":"snapshot","instance_id":"i-1","timestamp":"2024-03-01T10:00:00Z"}`
	event2 := `{"org_id":"org1","event_type":"snapshot","instance_id":"i-2","timestamp":"2024-03-01T10:00:00Z"}`

	tests := []struct {
		name            string
		method          string
		contentType     string
		contentEncoding string
		body            []byte
		maxSize         int64
		publishErr      error
		expectedStatus  int
		expectedBody    string
		expectedEvents  []string
	}{
		{
			name:           "Single JSON Object",
			method:         http.MethodPost,
			contentType:    "application/json",
			body:           []byte(event1),
			expectedStatus: http.StatusAccepted,
			expectedBody:   "{\"accepted\":1,\"rejected\":0}\n",
			expectedEvents: []string{event1},
		},
		{
			name:           "JSON Array Is Compacted",
			method:         http.MethodPost,
			contentType:    "application/json; charset=utf-8",
			body:           []byte("[\n  " + event1 + ",\n  " + event2 + "\n]"),
			expectedStatus: http.StatusAccepted,
			expectedBody:   "{\"accepted\":2,\"rejected\":0}\n",
			expectedEvents: []string{event1, event2},
		},
		{
			name:           "NDJSON Skips Bad Lines",
			method:         http.MethodPost,
			contentType:    "application/x-ndjson",
			body:           []byte(event1 + "\n\n" + `{"org_id": "bad` + "\n" + event2 + "\n"),
			expectedStatus: http.StatusAccepted,
			expectedBody:   "{\"accepted\":2,\"rejected\":1}\n",
			expectedEvents: []string{event1, event2},
		},
		{
			name:            "Gzip Body",
			method:          http.MethodPost,
			contentType:     "application/x-ndjson",
			contentEncoding: "gzip",
			body:            gzipped(t, event1+"\n"+event2),
			expectedStatus:  http.StatusAccepted,
			expectedBody:    "{\"accepted\":2,\"rejected\":0}\n",
			expectedEvents:  []string{event1, event2},
		},
		{
			name:            "Zstd Body",
			method:          http.MethodPost,
			contentType:     "application/json",
			contentEncoding: "zstd",
			body:            zstdEncoded(t, "["+event1+"]"),
			expectedStatus:  http.StatusAccepted,
			expectedBody:    "{\"accepted\":1,\"rejected\":0}\n",
			expectedEvents:  []string{event1},
		},
		{
			name:           "Invalid Method",
			method:         http.MethodGet,
			contentType:    "application/json",
			body:           []byte(`{}`),
			expectedStatus: http.StatusMethodNotAllowed,
			expectedBody:   "Method Not Allowed\n",
		},
		{
			name:           "Unsupported Content-Type",
			method:         http.MethodPost,
			contentType:    "text/plain",
			body:           []byte(`hello`),
			expectedStatus: http.StatusUnsupportedMediaType,
			expectedBody:   "Unsupported Media Type: text/plain\n",
		},
		{
			name:            "Unsupported Content-Encoding",
			method:          http.MethodPost,
			contentType:     "application/json",
			contentEncoding: "br",
			body:            []byte(event1),
			expectedStatus:  http.StatusUnsupportedMediaType,
			expectedBody:    "Unsupported Media Type: unsupported content encoding: br\n",
		},
		{
			name:           "Bad JSON",
			method:         http.MethodPost,
			contentType:    "application/json",
			body:           []byte(`[{"org_id": "org1"`),
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "Bad Request: Failed to decode events\n",
		},
		{
			name:           "Empty Array",
			method:         http.MethodPost,
			contentType:    "application/json",
			body:           []byte(`[]`),
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "Bad Request: Failed to decode events\n",
		},
		{
			name:           "Payload Too Large",
			method:         http.MethodPost,
			contentType:    "application/json",
			body:           []byte(event1),
			maxSize:        50,
			expectedStatus: http.StatusRequestEntityTooLarge,
			expectedBody:   "Payload Too Large\n",
		},
		{
			name:           "Publish Failure",
			method:         http.MethodPost,
			contentType:    "application/json",
			body:           []byte(event1),
			publishErr:     errors.New("wal is full"),
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   "Service Unavailable\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := &mocks.MockEventStream{PublishErr: tt.publishErr}
			maxSize := tt.maxSize
			if maxSize == 0 {
				maxSize = 1024
			}
			h := NewIngestHandler(stream, logger, maxSize, metrics.New(prometheus.NewRegistry()))

			req := httptest.NewRequest(tt.method, "/events", bytes.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			if tt.contentEncoding != "" {
				req.Header.Set("Content-Encoding", tt.contentEncoding)
			}
			rr := httptest.NewRecorder()

			h.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			assert.Equal(t, tt.expectedBody, rr.Body.String())
			assert.Equal(t, tt.expectedEvents, stream.Published)
		})
	}
}

func TestIngestHandler_Metrics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(prometheus.NewRegistry())
	h := NewIngestHandler(&mocks.MockEventStream{}, logger, 1024, m)

	body := `{"org_id":"org1"}`
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "text/xml")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PayloadsTotal.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PayloadsTotal.WithLabelValues("error_media_type")))
	assert.Equal(t, float64(len(body)), testutil.ToFloat64(m.BytesTotal))
}
