package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const geminiTranscribeInstruction = "Transcribe the speech in this audio exactly. " +
	"Reply with the transcript only, without quotes, labels or commentary. " +
	"If there is no intelligible speech, reply with an empty message."

type generateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// GeminiClient transcribes audio by sending it inline to a Gemini model.
// Implements the Provider interface.
type GeminiClient struct {
	model    string
	generate generateFunc
}

// NewGeminiClient creates a transcriber that shares the genai client used
// for replies.
func NewGeminiClient(client *genai.Client, model string) *GeminiClient {
	return &GeminiClient{model: model, generate: client.Models.GenerateContent}
}

// NewGeminiClientFromKey creates its own genai client.
func NewGeminiClientFromKey(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return NewGeminiClient(client, model), nil
}

// Name returns the provider name.
func (gc *GeminiClient) Name() string { return "gemini" }

// Model returns the configured model identifier.
func (gc *GeminiClient) Model() string { return gc.model }

// Transcribe sends the audio as an inline part next to the instruction.
func (gc *GeminiClient) Transcribe(ctx context.Context, audio []byte, mimeType string, opts TranscribeOpts) (*Response, error) {
	instruction := geminiTranscribeInstruction
	if opts.Language != "" {
		instruction += " The speech is in language code " + opts.Language + "."
	}
	if opts.Prompt != "" {
		instruction += " Vocabulary hints: " + opts.Prompt
	}

	parts := []*genai.Part{
		genai.NewPartFromText(instruction),
		genai.NewPartFromBytes(audio, mimeType),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	var cfg *genai.GenerateContentConfig
	if opts.Temperature > 0 {
		t := float32(opts.Temperature)
		cfg = &genai.GenerateContentConfig{Temperature: &t}
	}

	resp, err := gc.generate(ctx, gc.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini transcribe: %w", err)
	}
	if resp == nil {
		return nil, errors.New("gemini transcribe: empty response")
	}
	return &Response{
		Text:     strings.TrimSpace(resp.Text()),
		Language: opts.Language,
	}, nil
}
