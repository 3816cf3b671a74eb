// Package vision talks to the image-labeling services that feed the content
// gate. Each provider turns raw image bytes into labels, a face count and
// moderation flags with confidences on a 0-100 scale.
package vision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexvision/intake/internal/config"
	"github.com/nexvision/intake/internal/gate"
)

// ErrUnavailable wraps every provider failure so callers can apply their
// failure policy without knowing the provider.
var ErrUnavailable = errors.New("vision service unavailable")

type Analysis struct {
	Provider        string           `json:"provider"`
	Labels          []gate.Detection `json:"labels"`
	FaceCount       int              `json:"faceCount"`
	ModerationFlags []gate.Detection `json:"moderationFlags"`
}

// Input is the gate view of the analysis.
func (a Analysis) Input() gate.AnalysisInput {
	return gate.AnalysisInput{
		Labels:          a.Labels,
		FaceCount:       a.FaceCount,
		ModerationFlags: a.ModerationFlags,
	}
}

type Analyzer interface {
	Analyze(ctx context.Context, image []byte) (Analysis, error)
}

type Options struct {
	MinModerationConfidence float64
	MinLabelConfidence      float64
	MaxLabels               int
	Timeout                 time.Duration
}

func OptionsFromConfig(cfg config.VisionConfig) Options {
	return Options{
		MinModerationConfidence: cfg.MinModerationConfidence,
		MinLabelConfidence:      cfg.MinLabelConfidence,
		MaxLabels:               cfg.MaxLabels,
		Timeout:                 cfg.Timeout,
	}
}

// New builds the analyzer selected by cfg.Provider. The returned close
// function releases provider connections.
func New(ctx context.Context, cfg config.VisionConfig) (Analyzer, func() error, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.Provider {
	case config.VisionRekognition:
		r, err := NewRekognition(ctx, cfg.Region, opts)
		if err != nil {
			return nil, nil, err
		}
		return r, func() error { return nil }, nil
	case config.VisionGCP:
		g, err := NewGoogleVision(ctx, cfg.GCPCredentialsFile, opts)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown vision provider %q", cfg.Provider)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
