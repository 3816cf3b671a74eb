// Package pipeline composes the intake steps for one image: orientation
// correction, vision analysis and the content gate decision.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"

	"github.com/corona10/goimagehash"
	"github.com/rs/zerolog"

	"github.com/nexvision/intake/internal/cache"
	"github.com/nexvision/intake/internal/config"
	"github.com/nexvision/intake/internal/gate"
	"github.com/nexvision/intake/internal/orientation"
	"github.com/nexvision/intake/internal/vision"
)

const (
	ReasonAnalysisFailed  = "Image analysis failed. Please try again."
	ReasonServiceDegraded = "Image accepted (validation service unavailable)"
	ReasonKnownRejected   = "This image matches a previously rejected upload."
)

// Cache stores analyses keyed by content hash.
type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any) error
}

// RejectedHashes reports whether a perceptual hash is close to an image the
// gate already turned down. The upload identified by excludeID is ignored.
type RejectedHashes interface {
	HasRejectedHash(ctx context.Context, phash int64, excludeID string) (bool, error)
}

type Options struct {
	Quality     float64
	FailureMode string
}

func OptionsFromConfig(orient config.OrientationConfig, g config.GateConfig) Options {
	return Options{Quality: orient.Quality, FailureMode: g.FailureMode}
}

type Result struct {
	Corrected orientation.CorrectedImage
	Analysis  vision.Analysis
	Decision  gate.Decision
	PHash     *int64
	Cached    bool
	// Degraded is set when the analyzer failed and the failure mode decided.
	Degraded bool
}

type Pipeline struct {
	analyzer vision.Analyzer
	cache    Cache
	rejected RejectedHashes
	opts     Options
	log      zerolog.Logger
}

// New builds a pipeline. cache and rejected may be nil.
func New(analyzer vision.Analyzer, c Cache, rejected RejectedHashes, opts Options, log zerolog.Logger) *Pipeline {
	if opts.FailureMode == "" {
		opts.FailureMode = config.FailClosed
	}
	return &Pipeline{
		analyzer: analyzer,
		cache:    c,
		rejected: rejected,
		opts:     opts,
		log:      log,
	}
}

// Run processes an image that is not stored as an upload yet.
func (p *Pipeline) Run(ctx context.Context, img orientation.RawImage) (Result, error) {
	return p.RunFor(ctx, "", img)
}

// RunFor processes the original of a stored upload. The upload's own row never
// counts as a previous rejection, so a retried upload is analyzed again.
func (p *Pipeline) RunFor(ctx context.Context, uploadID string, img orientation.RawImage) (Result, error) {
	corrected, err := orientation.Correct(img, p.opts.Quality)
	if err != nil {
		return Result{}, fmt.Errorf("correct orientation: %w", err)
	}
	res := Result{Corrected: corrected}
	if corrected.Fallback {
		p.log.Warn().Str("file", img.Name).Int("tag", int(corrected.Tag)).Msg("orientation transform failed, metadata stripped only")
	}

	res.PHash = p.hash(corrected.Data)
	if res.PHash != nil && p.rejected != nil {
		seen, err := p.rejected.HasRejectedHash(ctx, *res.PHash, uploadID)
		if err != nil {
			p.log.Warn().Err(err).Msg("rejected hash lookup failed")
		} else if seen {
			res.Decision = gate.Decision{Approved: false, Reasons: []string{ReasonKnownRejected}}
			return res, nil
		}
	}

	key := cache.ContentKey(corrected.Data)
	if p.cache != nil {
		var cached vision.Analysis
		hit, err := p.cache.Get(ctx, key, &cached)
		if err != nil {
			p.log.Warn().Err(err).Msg("analysis cache read failed")
		}
		if hit {
			res.Analysis = cached
			res.Cached = true
			res.Decision = gate.Evaluate(cached.Input())
			return res, nil
		}
	}

	analysis, err := p.analyzer.Analyze(ctx, corrected.Data)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		p.log.Error().Err(err).Str("failure_mode", p.opts.FailureMode).Msg("vision analysis failed")
		res.Degraded = true
		res.Decision = p.onFailure()
		return res, nil
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, key, analysis); err != nil {
			p.log.Warn().Err(err).Msg("analysis cache write failed")
		}
	}

	res.Analysis = analysis
	res.Decision = gate.Evaluate(analysis.Input())
	return res, nil
}

func (p *Pipeline) onFailure() gate.Decision {
	if p.opts.FailureMode == config.FailOpen {
		return gate.Decision{Approved: true, Reasons: []string{ReasonServiceDegraded}}
	}
	return gate.Decision{Approved: false, Reasons: []string{ReasonAnalysisFailed}}
}

func (p *Pipeline) hash(data []byte) *int64 {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		p.log.Warn().Err(err).Msg("decode corrected image for phash failed")
		return nil
	}
	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		p.log.Warn().Err(err).Msg("phash failed")
		return nil
	}
	v := int64(h.GetHash())
	return &v
}
