package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/snarg/avatar-engine/internal/lipsync"
)

// DeepgramEndpoint is the default Aura speak URL.
const DeepgramEndpoint = "https://api.deepgram.com/v1/speak"

const deepgramSampleRate = 24000

// DeepgramClient calls the Deepgram Aura /v1/speak API.
// Implements the Provider interface.
type DeepgramClient struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewDeepgramClient creates a Deepgram TTS client. An empty endpoint uses
// DeepgramEndpoint.
func NewDeepgramClient(endpoint, apiKey, model string, timeout time.Duration) *DeepgramClient {
	if endpoint == "" {
		endpoint = DeepgramEndpoint
	}
	return &DeepgramClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

// Name returns the provider name.
func (dc *DeepgramClient) Name() string { return "deepgram" }

// Model returns the configured voice model.
func (dc *DeepgramClient) Model() string { return dc.model }

// Synthesize requests 16-bit PCM in a WAV container so the duration can be
// read from the byte count instead of estimated.
func (dc *DeepgramClient) Synthesize(ctx context.Context, text string) (*Speech, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	q := url.Values{}
	if dc.model != "" {
		q.Set("model", dc.model)
	}
	q.Set("encoding", "linear16")
	q.Set("container", "wav")
	q.Set("sample_rate", fmt.Sprint(deepgramSampleRate))

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dc.endpoint+"?"+q.Encode(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+dc.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := dc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deepgram API error (status %d): %s", resp.StatusCode, string(body))
	}

	duration := wavDuration(body)
	if duration <= 0 {
		duration = lipsync.EstimateDuration(text)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" || ct == "application/octet-stream" {
		ct = "audio/wav"
	}
	return &Speech{Audio: body, ContentType: ct, Duration: duration}, nil
}

// wavDuration reads the fmt chunk of a RIFF/WAVE file and derives the
// duration from the bytes that follow the data chunk header. Streaming
// encoders often leave the data size as a placeholder, so the length of
// what was actually received is used. Returns 0 when data is not WAV.
func wavDuration(data []byte) float64 {
	if len(data) < 12 || string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return 0
	}
	var byteRate uint32
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		switch id {
		case "fmt ":
			if body+12 <= len(data) {
				byteRate = binary.LittleEndian.Uint32(data[body+8 : body+12])
			}
		case "data":
			if byteRate == 0 {
				return 0
			}
			return float64(len(data)-body) / float64(byteRate)
		}
		if size < 0 || body+size > len(data) {
			return 0
		}
		off = body + size + size%2
	}
	return 0
}
