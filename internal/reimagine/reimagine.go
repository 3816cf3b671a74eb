// Package reimagine sends an approved, upright photo together with the user's
// prompt to a generative image provider and returns the edited image.
package reimagine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nexvision/intake/internal/config"
)

var (
	ErrNoImage     = errors.New("provider returned no image")
	ErrEmptyPrompt = errors.New("prompt is required")
)

// MaxPromptLength bounds the prompt forwarded to providers.
const MaxPromptLength = 1000

type Request struct {
	Image     []byte
	MediaType string
	Name      string
	Prompt    string
}

type Result struct {
	Provider  string
	Data      []byte
	MediaType string
}

type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Result, error)
}

// New builds the provider selected by cfg.Provider.
func New(ctx context.Context, cfg config.ReimagineConfig) (Provider, error) {
	switch cfg.Provider {
	case config.ReimagineGemini:
		return NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.Timeout)
	case config.ReimagineOpenAI:
		return NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown reimagine provider %q", cfg.Provider)
	}
}

// NormalizePrompt trims the prompt and enforces the length limit.
func NormalizePrompt(prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	if r := []rune(prompt); len(r) > MaxPromptLength {
		prompt = string(r[:MaxPromptLength])
	}
	return prompt, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
