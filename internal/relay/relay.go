// Package relay runs one conversation turn: it forwards user text to the
// language model, turns the reply into speech and lip-sync, and starts
// playback.
package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/avatar-engine/internal/events"
	"github.com/snarg/avatar-engine/internal/lipsync"
	"github.com/snarg/avatar-engine/internal/llm"
	"github.com/snarg/avatar-engine/internal/metrics"
	"github.com/snarg/avatar-engine/internal/playback"
	"github.com/snarg/avatar-engine/internal/storage"
	"github.com/snarg/avatar-engine/internal/store"
	"github.com/snarg/avatar-engine/internal/transcribe"
	"github.com/snarg/avatar-engine/internal/tts"
	"github.com/snarg/avatar-engine/internal/viseme"
)

var (
	ErrEmptyInput    = errors.New("input text is empty")
	ErrInvalidAudio  = errors.New("audio is not valid base64")
	ErrNotConfigured = errors.New("provider not configured")
)

// Reply is the result of one conversation turn.
type Reply struct {
	Text     string          `json:"text"`
	AudioURL string          `json:"audioUrl"`
	LipSync  viseme.Sequence `json:"lipSync"`
	Duration float64         `json:"duration,omitempty"`
}

// Transcript is the result of speech recognition.
type Transcript struct {
	Text string `json:"text"`
}

// Options wires a Relay. LLM, State and Player are required; the rest may
// be nil, which disables the matching feature.
type Options struct {
	LLM      llm.Responder
	TTS      tts.Provider
	STT      transcribe.Provider
	Audio    storage.AudioStore
	State    *store.State
	Player   *playback.Player
	Bus      *events.Bus
	Language string
	Log      zerolog.Logger
}

type Relay struct {
	llm      llm.Responder
	tts      tts.Provider
	stt      transcribe.Provider
	audio    storage.AudioStore
	state    *store.State
	player   *playback.Player
	bus      *events.Bus
	language string
	log      zerolog.Logger
	now      func() time.Time
}

// New creates a relay and keeps State's play flag in step with the player.
func New(opts Options) *Relay {
	r := &Relay{
		llm:      opts.LLM,
		tts:      opts.TTS,
		stt:      opts.STT,
		audio:    opts.Audio,
		state:    opts.State,
		player:   opts.Player,
		bus:      opts.Bus,
		language: opts.Language,
		log:      opts.Log.With().Str("component", "relay").Logger(),
		now:      time.Now,
	}
	r.player.Subscribe(playbackSync{r})
	return r
}

// Configured reports which providers are available, for health checks.
func (r *Relay) Configured() (llmOK, ttsOK, sttOK bool) {
	return r.llm != nil, r.tts != nil && r.audio != nil, r.stt != nil
}

// Respond runs a full turn for text.
func (r *Relay) Respond(ctx context.Context, text string) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}
	if r.llm == nil {
		return nil, fmt.Errorf("llm: %w", ErrNotConfigured)
	}

	history := r.state.History()
	r.record(ctx, store.RoleUser, text)

	reply, err := r.llm.Respond(ctx, history, text)
	if err != nil {
		return nil, err
	}
	r.record(ctx, store.RoleAssistant, reply)

	out := &Reply{Text: reply, LipSync: viseme.Sequence{}}
	if r.tts == nil || r.audio == nil {
		r.state.SetAudioURL("")
		r.state.SetLipSync(nil)
		return out, nil
	}

	track, err := r.speak(ctx, reply)
	if err != nil {
		r.log.Warn().Err(err).Msg("speech synthesis failed, replying with text only")
		r.state.SetAudioURL("")
		r.state.SetLipSync(nil)
		return out, nil
	}

	r.state.SetAudioURL(track.URL)
	r.state.SetLipSync(track.LipSync)
	r.player.Play(track)

	out.AudioURL = track.URL
	out.LipSync = track.LipSync
	out.Duration = track.Duration
	return out, nil
}

// speak synthesizes reply, stores the audio and builds the lip-sync track.
func (r *Relay) speak(ctx context.Context, reply string) (playback.Track, error) {
	start := time.Now()
	sp, err := r.tts.Synthesize(ctx, reply)
	metrics.ObserveUpstream("tts", r.tts.Name(), start, err)
	if err != nil {
		return playback.Track{}, err
	}

	key := storage.NewKey(r.now(), sp.ContentType)
	url, err := r.audio.Put(ctx, key, sp.Audio, sp.ContentType)
	if err != nil {
		return playback.Track{}, fmt.Errorf("store audio: %w", err)
	}

	seq := r.lipSync(reply, sp)
	duration := sp.Duration
	if duration <= 0 {
		duration = max(seq.Duration(), lipsync.EstimateDuration(reply))
	}

	r.log.Info().
		Str("key", key).
		Str("provider", r.tts.Name()).
		Int("bytes", len(sp.Audio)).
		Float64("duration", duration).
		Int("visemes", len(seq)).
		Msg("reply synthesized")

	return playback.Track{
		URL:      url,
		Duration: duration,
		LipSync:  seq,
	}, nil
}

// lipSync prefers provider alignment and falls back to a text estimate.
// Problems are logged and counted; the sequence is never rejected.
func (r *Relay) lipSync(reply string, sp *tts.Speech) viseme.Sequence {
	var seq viseme.Sequence
	if a := sp.Alignment; a != nil {
		var err error
		seq, err = lipsync.FromAlignment(a.Characters, a.Starts, a.Ends)
		if err != nil {
			r.log.Warn().Err(err).Msg("unusable alignment, estimating lip-sync from text")
			seq = nil
		}
	}
	if len(seq) == 0 {
		seq = lipsync.FromText(reply, sp.Duration)
	}

	if issues := seq.Validate(); len(issues) > 0 {
		metrics.LipSyncIssuesTotal.Add(float64(len(issues)))
		for _, is := range issues {
			r.log.Warn().Int("index", is.Index).Str("reason", is.Reason).Msg("lip-sync issue")
		}
	}
	return seq.Normalize()
}

// Transcribe decodes base64 audio (optionally a data: URL) and returns the
// recognized text.
func (r *Relay) Transcribe(ctx context.Context, encoded string) (*Transcript, error) {
	audio, mimeType, err := DecodeAudio(encoded)
	if err != nil {
		return nil, err
	}
	if r.stt == nil {
		return nil, fmt.Errorf("stt: %w", ErrNotConfigured)
	}

	start := time.Now()
	resp, err := r.stt.Transcribe(ctx, audio, mimeType, transcribe.TranscribeOpts{Language: r.language})
	metrics.ObserveUpstream("stt", r.stt.Name(), start, err)
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(resp.Text)
	r.log.Debug().
		Str("provider", r.stt.Name()).
		Str("mime", mimeType).
		Int("bytes", len(audio)).
		Int("chars", len(text)).
		Msg("audio transcribed")
	return &Transcript{Text: text}, nil
}

// Prompt is a bare single-turn generation outside the conversation.
func (r *Relay) Prompt(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyInput
	}
	if r.llm == nil {
		return "", fmt.Errorf("llm: %w", ErrNotConfigured)
	}
	return r.llm.Prompt(ctx, prompt)
}

// Stop halts the current reply.
func (r *Relay) Stop() {
	r.player.Stop()
}

// ClearHistory empties the conversation.
func (r *Relay) ClearHistory(ctx context.Context) error {
	if err := r.state.ClearHistory(ctx); err != nil {
		return err
	}
	r.publish(events.TypeHistoryCleared, struct{}{})
	return nil
}

// record appends to history. A persistence failure is logged only; the
// message is still held in memory.
func (r *Relay) record(ctx context.Context, role store.Role, content string) {
	m, err := r.state.AddMessage(ctx, role, content)
	if err != nil {
		r.log.Error().Err(err).Str("role", string(role)).Msg("failed to persist message")
		if m.ID == "" {
			return
		}
	}
	r.publish(events.TypeConversationMessage, m)
}

func (r *Relay) publish(eventType string, payload any) {
	if r.bus != nil {
		r.bus.Publish(eventType, payload)
	}
}

// DecodeAudio accepts standard or URL-safe base64, padded or not, with an
// optional "data:<mime>;base64," prefix. The MIME type comes from the prefix
// when present and is otherwise sniffed.
func DecodeAudio(encoded string) ([]byte, string, error) {
	encoded = strings.TrimSpace(encoded)
	var mimeType string
	if rest, ok := strings.CutPrefix(encoded, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(header, ";base64") {
			return nil, "", ErrInvalidAudio
		}
		mimeType = strings.TrimSpace(strings.SplitN(strings.TrimSuffix(header, ";base64"), ";", 2)[0])
		encoded = payload
	}
	if encoded == "" {
		return nil, "", ErrInvalidAudio
	}

	var audio []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if audio, err = enc.DecodeString(encoded); err == nil {
			break
		}
	}
	if err != nil || len(audio) == 0 {
		return nil, "", ErrInvalidAudio
	}
	if mimeType == "" {
		mimeType = transcribe.DetectMIME(audio)
	}
	return audio, mimeType, nil
}

type playbackPayload struct {
	URL         string  `json:"url"`
	Duration    float64 `json:"duration"`
	Interrupted bool    `json:"interrupted,omitempty"`
}

// playbackSync mirrors player notifications into State and the event bus.
type playbackSync struct{ r *Relay }

func (s playbackSync) PlaybackStarted(t playback.Track) {
	s.r.state.SetPlaying(true)
	s.r.publish(events.TypePlaybackStarted, playbackPayload{URL: t.URL, Duration: t.Duration})
}

func (s playbackSync) PlaybackEnded(t playback.Track, interrupted bool) {
	s.r.state.SetPlaying(false)
	s.r.publish(events.TypePlaybackEnded, playbackPayload{URL: t.URL, Duration: t.Duration, Interrupted: interrupted})
}
