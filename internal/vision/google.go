package vision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gvision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"

	"github.com/nexvision/intake/internal/gate"
)

const providerGCP = "gcp"

// SafeSearch reports likelihoods instead of scores. These are the confidences
// each likelihood maps to.
var likelihoodConfidence = map[visionpb.Likelihood]float64{
	visionpb.Likelihood_VERY_LIKELY:   95,
	visionpb.Likelihood_LIKELY:        80,
	visionpb.Likelihood_POSSIBLE:      50,
	visionpb.Likelihood_UNLIKELY:      20,
	visionpb.Likelihood_VERY_UNLIKELY: 5,
}

// GoogleVision analyzes images with Cloud Vision in a single batch request.
type GoogleVision struct {
	client *gvision.ImageAnnotatorClient
	opts   Options
}

func NewGoogleVision(ctx context.Context, credentialsFile string, opts Options) (*GoogleVision, error) {
	var clientOpts []option.ClientOption
	if creds := strings.TrimSpace(credentialsFile); creds != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(creds))
	}
	client, err := gvision.NewImageAnnotatorClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &GoogleVision{client: client, opts: opts}, nil
}

func (g *GoogleVision) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

func (g *GoogleVision) Analyze(ctx context.Context, image []byte) (Analysis, error) {
	ctx, cancel := withTimeout(ctx, g.opts.Timeout)
	defer cancel()

	maxLabels := int32(g.opts.MaxLabels)
	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image: &visionpb.Image{Content: image},
			Features: []*visionpb.Feature{
				{Type: visionpb.Feature_LABEL_DETECTION, MaxResults: maxLabels},
				{Type: visionpb.Feature_FACE_DETECTION},
				{Type: visionpb.Feature_SAFE_SEARCH_DETECTION},
			},
		}},
	}

	resp, err := g.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return Analysis{}, unavailable("batch annotate", err)
	}
	if resp == nil || len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return Analysis{}, unavailable("batch annotate", errors.New("empty response"))
	}
	r0 := resp.Responses[0]
	if r0.Error != nil && r0.Error.Message != "" {
		return Analysis{}, unavailable("batch annotate", errors.New(r0.Error.Message))
	}

	return fromGoogle(r0, g.opts), nil
}

func fromGoogle(r *visionpb.AnnotateImageResponse, opts Options) Analysis {
	a := Analysis{Provider: providerGCP, FaceCount: len(r.FaceAnnotations)}

	for _, l := range r.LabelAnnotations {
		if l == nil {
			continue
		}
		confidence := float64(l.Score) * 100
		if confidence < opts.MinLabelConfidence {
			continue
		}
		a.Labels = append(a.Labels, gate.Detection{Name: l.Description, Confidence: confidence})
	}

	if ss := r.SafeSearchAnnotation; ss != nil {
		for _, c := range []struct {
			name string
			l    visionpb.Likelihood
		}{
			{"Adult", ss.Adult},
			{"Violence", ss.Violence},
			{"Racy", ss.Racy},
		} {
			confidence := likelihoodConfidence[c.l]
			if confidence == 0 || confidence < opts.MinModerationConfidence {
				continue
			}
			a.ModerationFlags = append(a.ModerationFlags, gate.Detection{Name: c.name, Confidence: confidence})
		}
	}
	return a
}
