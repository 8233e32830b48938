// Package llm produces assistant replies with Google's Gemini models.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/snarg/avatar-engine/internal/metrics"
	"github.com/snarg/avatar-engine/internal/store"
)

// ErrEmptyReply is returned when the model produced no text.
var ErrEmptyReply = errors.New("model returned an empty reply")

// Responder generates replies. Implemented by *Gemini.
type Responder interface {
	Respond(ctx context.Context, history []store.Message, text string) (string, error)
	Prompt(ctx context.Context, prompt string) (string, error)
	Name() string
}

type generateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// Gemini calls the Gemini generateContent API.
type Gemini struct {
	model        string
	systemPrompt string
	timeout      time.Duration
	generate     generateFunc
	log          zerolog.Logger
}

// GeminiConfig configures the client.
type GeminiConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
	Timeout      time.Duration
}

// NewGemini creates a Gemini client.
func NewGemini(ctx context.Context, cfg GeminiConfig, log zerolog.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return newGemini(cfg, client.Models.GenerateContent, log), nil
}

func newGemini(cfg GeminiConfig, generate generateFunc, log zerolog.Logger) *Gemini {
	return &Gemini{
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		timeout:      cfg.Timeout,
		generate:     generate,
		log:          log.With().Str("component", "llm").Str("model", cfg.Model).Logger(),
	}
}

func (g *Gemini) Name() string { return "gemini" }

// Model returns the configured model name.
func (g *Gemini) Model() string { return g.model }

// Respond continues the conversation with text as the newest user turn.
func (g *Gemini) Respond(ctx context.Context, history []store.Message, text string) (string, error) {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, m := range history {
		role := genai.Role(genai.RoleUser)
		if m.Role == store.RoleAssistant {
			role = genai.Role(genai.RoleModel)
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))

	var cfg *genai.GenerateContentConfig
	if g.systemPrompt != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(g.systemPrompt, genai.RoleUser),
		}
	}
	return g.call(ctx, contents, cfg)
}

// Prompt runs a single-turn generation with no history or system prompt.
func (g *Gemini) Prompt(ctx context.Context, prompt string) (string, error) {
	return g.call(ctx, []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, nil)
}

func (g *Gemini) call(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := g.generate(ctx, g.model, contents, cfg)
	if err == nil {
		err = replyError(resp)
	}
	metrics.ObserveUpstream("llm", g.Name(), start, err)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	reply := strings.TrimSpace(resp.Text())
	g.log.Debug().
		Int("turns", len(contents)).
		Int("reply_chars", len(reply)).
		Dur("took", time.Since(start)).
		Msg("reply generated")
	return reply, nil
}

func replyError(resp *genai.GenerateContentResponse) error {
	if resp == nil || strings.TrimSpace(resp.Text()) == "" {
		return ErrEmptyReply
	}
	return nil
}
