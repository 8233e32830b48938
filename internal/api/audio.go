package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/avatar-engine/internal/storage"
)

// AudioHandler serves stored reply audio under /audio/{key}.
type AudioHandler struct {
	store storage.AudioStore
}

func NewAudioHandler(store storage.AudioStore) *AudioHandler {
	return &AudioHandler{store: store}
}

// ServeAudio streams a clip. Seekable clips go through http.ServeContent so
// <audio> range requests and conditional GETs work.
func (h *AudioHandler) ServeAudio(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if h.store == nil || !storage.ValidKey(key) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "audio not found")
		return
	}

	rc, clip, err := h.store.Get(r.Context(), key)
	if err != nil {
		if !errors.Is(err, storage.ErrClipNotFound) {
			logFor(r).Warn().Err(err).Str("key", key).Msg("audio open failed")
		}
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "audio not found")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", clip.ContentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, key, clip.Modified, rs)
		return
	}
	if clip.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(clip.Size, 10))
	}
	io.Copy(w, rc)
}
