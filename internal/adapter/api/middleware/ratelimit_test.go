package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) })

	request := func(h http.Handler, remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/events", nil)
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	t.Run("Burst Then Throttle Per Client", func(t *testing.T) {
		rl := NewRateLimiter(0.001, 2, logger)
		h := rl.Handler(ok)

		assert.Equal(t, http.StatusAccepted, request(h, "10.0.0.1:1000"))
		assert.Equal(t, http.StatusAccepted, request(h, "10.0.0.1:1001"))
		assert.Equal(t, http.StatusTooManyRequests, request(h, "10.0.0.1:1002"))
		assert.Equal(t, http.StatusAccepted, request(h, "10.0.0.2:1000"))
	})

	t.Run("Cleanup Drops Idle Clients", func(t *testing.T) {
		rl := NewRateLimiter(1, 1, logger)
		now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
		rl.now = func() time.Time { return now }
		h := rl.Handler(ok)

		request(h, "10.0.0.1:1000")
		now = now.Add(time.Minute)
		request(h, "10.0.0.2:1000")

		assert.Equal(t, 1, rl.Cleanup(30*time.Second))
		assert.Len(t, rl.limiters, 1)
		assert.Contains(t, rl.limiters, "10.0.0.2")
	})
}
