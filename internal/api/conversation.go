package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/avatar-engine/internal/relay"
)

// Conversation is the relay surface the HTTP layer needs.
type Conversation interface {
	Respond(ctx context.Context, text string) (*relay.Reply, error)
	Transcribe(ctx context.Context, encoded string) (*relay.Transcript, error)
	Prompt(ctx context.Context, prompt string) (string, error)
	Stop()
	ClearHistory(ctx context.Context) error
	Configured() (llmOK, ttsOK, sttOK bool)
}

type ConversationHandler struct {
	conv Conversation
}

func NewConversationHandler(conv Conversation) *ConversationHandler {
	return &ConversationHandler{conv: conv}
}

type respondRequest struct {
	Text string `json:"text"`
}

type transcribeRequest struct {
	Audio string `json:"audio"`
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

type promptResponse struct {
	Response string `json:"response"`
}

// Respond runs one conversation turn and returns {text, audioUrl, lipSync}.
func (h *ConversationHandler) Respond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid request body")
		return
	}
	reply, err := h.conv.Respond(r.Context(), req.Text)
	if err != nil {
		writeRelayError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, reply)
}

// Transcribe accepts base64 audio and returns {text}.
func (h *ConversationHandler) Transcribe(w http.ResponseWriter, r *http.Request) {
	var req transcribeRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid request body")
		return
	}
	if req.Audio == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "audio is required")
		return
	}
	tr, err := h.conv.Transcribe(r.Context(), req.Audio)
	if err != nil {
		writeRelayError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, tr)
}

// Prompt is the single-shot generation endpoint. It answers any method so
// non-POST requests get a 405 with Allow rather than chi's plain 405. A
// missing API key is reported first, whatever the method.
func (h *ConversationHandler) Prompt(w http.ResponseWriter, r *http.Request) {
	if llmOK, _, _ := h.conv.Configured(); !llmOK {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrNotConfigured, "API key not configured")
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req promptRequest
	if err := DecodeJSON(r, &req); err != nil || req.Prompt == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "prompt is required")
		return
	}
	text, err := h.conv.Prompt(r.Context(), req.Prompt)
	if err != nil {
		writeRelayError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, promptResponse{Response: text})
}

// Routes registers the conversation routes on r.
func (h *ConversationHandler) Routes(r chi.Router) {
	r.Post("/gemini/response", h.Respond)
	r.Post("/gemini/transcribe", h.Transcribe)
	r.HandleFunc("/gemini", h.Prompt)
}

func writeRelayError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, relay.ErrEmptyInput):
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "text is required")
	case errors.Is(err, relay.ErrInvalidAudio):
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
	case errors.Is(err, relay.ErrNotConfigured):
		WriteErrorWithCode(w, http.StatusBadRequest, ErrNotConfigured, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		logFor(r).Warn().Err(err).Msg("upstream timed out")
		WriteErrorWithCode(w, http.StatusGatewayTimeout, ErrUpstream, "upstream timed out")
	default:
		logFor(r).Error().Err(err).Msg("upstream request failed")
		WriteJSON(w, http.StatusBadGateway, ErrorResponse{
			Error:  "upstream request failed",
			Code:   ErrUpstream,
			Detail: err.Error(),
		})
	}
}

func logFor(r *http.Request) *zerolog.Logger {
	return hlog.FromRequest(r)
}
