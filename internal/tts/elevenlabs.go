package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ElevenLabsEndpoint is the default API base URL.
const ElevenLabsEndpoint = "https://api.elevenlabs.io/v1"

// ElevenLabsClient calls the ElevenLabs text-to-speech with-timestamps API,
// which returns character alignment alongside the audio.
// Implements the Provider interface.
type ElevenLabsClient struct {
	endpoint string
	apiKey   string
	voiceID  string
	model    string
	client   *http.Client
}

type elevenlabsRequest struct {
	Text          string             `json:"text"`
	ModelID       string             `json:"model_id,omitempty"`
	VoiceSettings elevenlabsSettings `json:"voice_settings"`
}

type elevenlabsSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// elevenlabsResponse is the JSON body of /with-timestamps.
type elevenlabsResponse struct {
	AudioBase64         string     `json:"audio_base64"`
	Alignment           *Alignment `json:"alignment"`
	NormalizedAlignment *Alignment `json:"normalized_alignment"`
}

// NewElevenLabsClient creates an ElevenLabs TTS client. An empty endpoint
// uses ElevenLabsEndpoint.
func NewElevenLabsClient(endpoint, apiKey, voiceID, model string, timeout time.Duration) *ElevenLabsClient {
	if endpoint == "" {
		endpoint = ElevenLabsEndpoint
	}
	return &ElevenLabsClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		voiceID:  voiceID,
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

// Name returns the provider name.
func (el *ElevenLabsClient) Name() string { return "elevenlabs" }

// Model returns the configured model identifier.
func (el *ElevenLabsClient) Model() string { return el.model }

// Synthesize returns MP3 audio with per-character alignment.
func (el *ElevenLabsClient) Synthesize(ctx context.Context, text string) (*Speech, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	payload, err := json.Marshal(elevenlabsRequest{
		Text:          text,
		ModelID:       el.model,
		VoiceSettings: elevenlabsSettings{Stability: 0.5, SimilarityBoost: 0.75},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/text-to-speech/%s/with-timestamps?output_format=mp3_44100_128", el.endpoint, el.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", el.apiKey)

	resp, err := el.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result elevenlabsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	audio, err := base64.StdEncoding.DecodeString(result.AudioBase64)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}

	align := result.Alignment
	if align == nil {
		align = result.NormalizedAlignment
	}
	var duration float64
	if align != nil && len(align.Ends) > 0 {
		duration = align.Ends[len(align.Ends)-1]
	}
	return &Speech{
		Audio:       audio,
		ContentType: "audio/mpeg",
		Duration:    duration,
		Alignment:   align,
	}, nil
}
