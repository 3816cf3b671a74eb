package reimagine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const providerGemini = "gemini"

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Gemini struct {
	models  contentGenerator
	model   string
	timeout time.Duration
}

func NewGemini(ctx context.Context, apiKey, model string, timeout time.Duration) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini api key is not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{models: client.Models, model: model, timeout: timeout}, nil
}

func (g *Gemini) Name() string { return providerGemini }

func (g *Gemini) Generate(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	parts := []*genai.Part{
		genai.NewPartFromText(req.Prompt),
		genai.NewPartFromBytes(req.Image, req.MediaType),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := g.models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE", "TEXT"},
	})
	if err != nil {
		return Result{}, fmt.Errorf("gemini generate: %w", err)
	}

	data, mime, err := firstInlineImage(resp)
	if err != nil {
		return Result{}, err
	}
	return Result{Provider: providerGemini, Data: data, MediaType: mime}, nil
}

func firstInlineImage(resp *genai.GenerateContentResponse) ([]byte, string, error) {
	if resp == nil {
		return nil, "", ErrNoImage
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			mime := part.InlineData.MIMEType
			if strings.TrimSpace(mime) == "" {
				mime = "image/png"
			}
			return part.InlineData.Data, mime, nil
		}
	}
	return nil, "", ErrNoImage
}
