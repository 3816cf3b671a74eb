package service

import (
	"context"

	"github.com/nexvision/intake/internal/media/sniffer"
	"github.com/nexvision/intake/internal/orientation"
	"github.com/nexvision/intake/internal/pipeline"
)

type Runner interface {
	Run(ctx context.Context, img orientation.RawImage) (pipeline.Result, error)
}

// AnalysisService runs the intake pipeline synchronously for one request.
type AnalysisService struct {
	runner   Runner
	maxBytes int64
}

func NewAnalysisService(runner Runner, maxBytes int64) *AnalysisService {
	return &AnalysisService{runner: runner, maxBytes: maxBytes}
}

type AnalyzeInput struct {
	Name         string
	DeclaredType string
	Data         []byte
}

type AnalyzeResult struct {
	Detected sniffer.Result
	pipeline.Result
}

func (s *AnalysisService) Analyze(ctx context.Context, in AnalyzeInput) (AnalyzeResult, error) {
	detected, err := ValidateImage(in.Data, in.DeclaredType, s.maxBytes)
	if err != nil {
		return AnalyzeResult{}, err
	}
	res, err := s.runner.Run(ctx, orientation.RawImage{
		Name:      in.Name,
		MediaType: detected.MIME,
		Data:      in.Data,
	})
	if err != nil {
		return AnalyzeResult{}, err
	}
	return AnalyzeResult{Detected: detected, Result: res}, nil
}
