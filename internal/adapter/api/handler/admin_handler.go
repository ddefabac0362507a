package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/V4T54L/subwatch/internal/domain"
	"github.com/V4T54L/subwatch/internal/usecase"
)

// AdminHandler exposes stream inspection and repair over HTTP. Routes carry
// {stream} and, where a consumer group is involved, {group}.
type AdminHandler struct {
	uc     *usecase.AdminStreamUseCase
	logger *slog.Logger
}

func NewAdminHandler(uc *usecase.AdminStreamUseCase, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{uc: uc, logger: logger.With("component", "admin_handler")}
}

func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AdminHandler) GetGroupInfo(w http.ResponseWriter, r *http.Request) {
	groups, err := h.uc.GetGroupInfo(r.Context(), chi.URLParam(r, "stream"))
	h.reply(w, "group info", groups, err)
}

func (h *AdminHandler) GetConsumerInfo(w http.ResponseWriter, r *http.Request) {
	consumers, err := h.uc.GetConsumerInfo(r.Context(), chi.URLParam(r, "stream"), chi.URLParam(r, "group"))
	h.reply(w, "consumer info", consumers, err)
}

func (h *AdminHandler) GetPendingSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.uc.GetPendingSummary(r.Context(), chi.URLParam(r, "stream"), chi.URLParam(r, "group"))
	h.reply(w, "pending summary", summary, err)
}

// AcknowledgeMessages takes {"message_ids": [...]}.
func (h *AdminHandler) AcknowledgeMessages(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MessageIDs []string `json:"message_ids"`
	}
	if !decodeAdminBody(w, r, &body) {
		return
	}
	acked, err := h.uc.AcknowledgeMessages(r.Context(), chi.URLParam(r, "stream"), chi.URLParam(r, "group"), body.MessageIDs...)
	h.reply(w, "acknowledge", map[string]int64{"acknowledged": acked}, err)
}

// TrimStream takes {"maxlen": n}.
func (h *AdminHandler) TrimStream(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MaxLen int64 `json:"maxlen"`
	}
	if !decodeAdminBody(w, r, &body) {
		return
	}
	trimmed, err := h.uc.TrimStream(r.Context(), chi.URLParam(r, "stream"), body.MaxLen)
	h.reply(w, "trim", map[string]int64{"trimmed": trimmed}, err)
}

// ReplayDeadLetters takes an optional {"count": n}.
func (h *AdminHandler) ReplayDeadLetters(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count int64 `json:"count"`
	}
	if r.ContentLength != 0 && !decodeAdminBody(w, r, &body) {
		return
	}
	replayed, err := h.uc.ReplayDeadLetters(r.Context(), body.Count)
	h.reply(w, "dead letter replay", map[string]int64{"replayed": replayed}, err)
}

func (h *AdminHandler) reply(w http.ResponseWriter, op string, result any, err error) {
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, result)
	case errors.Is(err, usecase.ErrUnknownStream), errors.Is(err, domain.ErrNotFound):
		respondWithJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, usecase.ErrInvalidArgument):
		respondWithJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("admin "+op+" failed", "error", err)
		respondWithJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
}

func decodeAdminBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondWithJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}
