package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/avatar-engine/internal/store"
)

// HistorySource reads the conversation history.
type HistorySource interface {
	History() []store.Message
	Message(id string) (store.Message, error)
}

type HistoryHandler struct {
	history HistorySource
	conv    Conversation
}

func NewHistoryHandler(history HistorySource, conv Conversation) *HistoryHandler {
	return &HistoryHandler{history: history, conv: conv}
}

type historyResponse struct {
	Messages []store.Message `json:"messages"`
	Total    int             `json:"total"`
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
}

// ListHistory returns a page of messages, oldest first unless newest_first=true.
func (h *HistoryHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)
	all := h.history.History()
	if newest, ok := QueryBool(r, "newest_first"); ok && newest {
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
	}

	page := []store.Message{}
	if p.Offset < len(all) {
		end := min(p.Offset+p.Limit, len(all))
		page = all[p.Offset:end]
	}
	WriteJSON(w, http.StatusOK, historyResponse{
		Messages: page,
		Total:    len(all),
		Limit:    p.Limit,
		Offset:   p.Offset,
	})
}

func (h *HistoryHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.history.Message(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "message not found")
		return
	}
	if err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, m)
}

// ClearHistory empties the conversation. The in-memory history is cleared
// even when persisting fails; that case answers 500.
func (h *HistoryHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.conv.ClearHistory(r.Context()); err != nil {
		logFor(r).Error().Err(err).Msg("failed to persist cleared history")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to persist history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Routes registers history routes on the given router.
func (h *HistoryHandler) Routes(r chi.Router) {
	r.Get("/history", h.ListHistory)
	r.Delete("/history", h.ClearHistory)
	r.Get("/history/{id}", h.GetMessage)
}
