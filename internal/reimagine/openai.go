package reimagine

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const providerOpenAI = "openai"

type imageEditor interface {
	Edit(ctx context.Context, body openai.ImageEditParams, opts ...option.RequestOption) (*openai.ImagesResponse, error)
}

type OpenAI struct {
	images  imageEditor
	model   string
	timeout time.Duration
}

func NewOpenAI(apiKey, model string, timeout time.Duration) (*OpenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai api key is not configured")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAI{images: &client.Images, model: model, timeout: timeout}, nil
}

func (o *OpenAI) Name() string { return providerOpenAI }

func (o *OpenAI) Generate(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := withTimeout(ctx, o.timeout)
	defer cancel()

	name := req.Name
	if name == "" {
		name = "image.jpg"
	}

	resp, err := o.images.Edit(ctx, openai.ImageEditParams{
		Image: openai.ImageEditParamsImageUnion{
			OfFile: openai.File(bytes.NewReader(req.Image), name, req.MediaType),
		},
		Prompt: req.Prompt,
		Model:  openai.ImageModel(o.model),
	})
	if err != nil {
		return Result{}, fmt.Errorf("openai image edit: %w", err)
	}

	data, err := decodeFirstImage(resp)
	if err != nil {
		return Result{}, err
	}
	return Result{Provider: providerOpenAI, Data: data, MediaType: "image/png"}, nil
}

func decodeFirstImage(resp *openai.ImagesResponse) ([]byte, error) {
	if resp == nil {
		return nil, ErrNoImage
	}
	for _, img := range resp.Data {
		if img.B64JSON == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("decode image payload: %w", err)
		}
		return data, nil
	}
	return nil, ErrNoImage
}
