// Package transcribe turns recorded user speech into text.
package transcribe

import (
	"context"
	"strings"
)

// Provider is the interface for speech-to-text backends.
type Provider interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string, opts TranscribeOpts) (*Response, error)
	Name() string  // "gemini", "whisper", "elevenlabs"
	Model() string // model identifier for logs/metrics
}

// TranscribeOpts are per-request options. Zero-value fields are omitted
// from provider requests.
type TranscribeOpts struct {
	Language    string // ISO-639-1; "" = provider default
	Prompt      string // vocabulary hint
	Temperature float64
}

// Response is the common transcription result from any provider.
type Response struct {
	Text     string
	Language string
	Duration float64 // audio duration in seconds
	Words    []Word  // nil if provider doesn't support word timestamps
}

// Word is a timestamped word from any STT provider.
type Word struct {
	Word  string
	Start float64 // seconds
	End   float64 // seconds
}

// fileName picks an upload name whose extension matches the audio type.
// Multipart endpoints sniff the container from it.
func fileName(mimeType string) string {
	base := strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	switch base {
	case "audio/webm", "video/webm":
		return "audio.webm"
	case "audio/ogg":
		return "audio.ogg"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "audio.wav"
	case "audio/mpeg", "audio/mp3":
		return "audio.mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "audio.m4a"
	}
	return "audio.webm"
}

// DetectMIME sniffs common audio containers from their magic bytes.
// Browser recordings default to webm.
func DetectMIME(audio []byte) string {
	switch {
	case len(audio) >= 4 && string(audio[:4]) == "\x1a\x45\xdf\xa3":
		return "audio/webm"
	case len(audio) >= 4 && string(audio[:4]) == "OggS":
		return "audio/ogg"
	case len(audio) >= 12 && string(audio[:4]) == "RIFF" && string(audio[8:12]) == "WAVE":
		return "audio/wav"
	case len(audio) >= 3 && string(audio[:3]) == "ID3",
		len(audio) >= 2 && audio[0] == 0xFF && audio[1]&0xE0 == 0xE0:
		return "audio/mpeg"
	case len(audio) >= 8 && string(audio[4:8]) == "ftyp":
		return "audio/mp4"
	}
	return "audio/webm"
}
