package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/snarg/avatar-engine/internal/avatar"
	"github.com/snarg/avatar-engine/internal/store"
	"github.com/snarg/avatar-engine/internal/viseme"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 25 * time.Second
)

// FrameSource publishes render tick frames.
type FrameSource interface {
	Last() *avatar.Frame
	Subscribe() (<-chan avatar.Frame, func())
}

type AvatarHandler struct {
	state    *store.State
	frames   FrameSource
	conv     Conversation
	upgrader websocket.Upgrader
}

// NewAvatarHandler creates the avatar handler. origins restricts websocket
// upgrades the same way CORSWithOrigins restricts requests.
func NewAvatarHandler(state *store.State, frames FrameSource, conv Conversation, origins []string) *AvatarHandler {
	allowed := newOriginSet(origins)
	return &AvatarHandler{
		state:  state,
		frames: frames,
		conv:   conv,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     allowed.allowsUpgrade,
		},
	}
}

type avatarStateResponse struct {
	Playing  bool            `json:"playing"`
	AudioURL string          `json:"audioUrl"`
	LipSync  viseme.Sequence `json:"lipSync"`
	Frame    *avatar.Frame   `json:"frame,omitempty"`
}

// GetState returns the transient playback state and the latest frame.
func (h *AvatarHandler) GetState(w http.ResponseWriter, r *http.Request) {
	seq := h.state.LipSync()
	if seq == nil {
		seq = viseme.Sequence{}
	}
	WriteJSON(w, http.StatusOK, avatarStateResponse{
		Playing:  h.state.Playing(),
		AudioURL: h.state.AudioURL(),
		LipSync:  seq,
		Frame:    h.frames.Last(),
	})
}

// Stop halts the current reply.
func (h *AvatarHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.conv.Stop()
	w.WriteHeader(http.StatusNoContent)
}

// Stream upgrades to a websocket and sends every frame as a JSON text
// message. Client messages are read and discarded.
func (h *AvatarHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	log := logFor(r)
	frames, cancel := h.frames.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Info().Msg("frame stream client connected")
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			log.Info().Msg("frame stream client disconnected")
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(f); err != nil {
				log.Debug().Err(err).Msg("frame stream write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Routes registers avatar routes on the given router.
func (h *AvatarHandler) Routes(r chi.Router) {
	r.Get("/avatar/state", h.GetState)
	r.Post("/avatar/stop", h.Stop)
	r.Get("/avatar/stream", h.Stream)
}
