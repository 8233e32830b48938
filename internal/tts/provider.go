// Package tts synthesizes spoken replies.
package tts

import (
	"context"
	"errors"
)

// ErrEmptyText is returned when there is nothing to synthesize.
var ErrEmptyText = errors.New("tts: empty text")

// Provider is the interface for text-to-speech backends.
type Provider interface {
	Synthesize(ctx context.Context, text string) (*Speech, error)
	Name() string  // "deepgram", "elevenlabs"
	Model() string // model identifier for logs/metrics
}

// Speech is a synthesized utterance.
type Speech struct {
	Audio       []byte
	ContentType string
	Duration    float64    // seconds; 0 when unknown
	Alignment   *Alignment // per-character timing; nil if the provider has none
}

// Alignment holds per-character timings, index-aligned.
type Alignment struct {
	Characters []string  `json:"characters"`
	Starts     []float64 `json:"character_start_times_seconds"`
	Ends       []float64 `json:"character_end_times_seconds"`
}
