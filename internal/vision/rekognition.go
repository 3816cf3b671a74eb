package vision

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"golang.org/x/sync/errgroup"

	"github.com/nexvision/intake/internal/gate"
)

const providerRekognition = "rekognition"

type rekognitionAPI interface {
	DetectModerationLabels(ctx context.Context, in *rekognition.DetectModerationLabelsInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectModerationLabelsOutput, error)
	DetectLabels(ctx context.Context, in *rekognition.DetectLabelsInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectLabelsOutput, error)
	DetectFaces(ctx context.Context, in *rekognition.DetectFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectFacesOutput, error)
}

// Rekognition analyzes images with AWS Rekognition. Moderation, labels and
// faces are requested in parallel.
type Rekognition struct {
	client rekognitionAPI
	opts   Options
}

func NewRekognition(ctx context.Context, region string, opts Options) (*Rekognition, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Rekognition{client: rekognition.NewFromConfig(cfg), opts: opts}, nil
}

func (r *Rekognition) Analyze(ctx context.Context, image []byte) (Analysis, error) {
	ctx, cancel := withTimeout(ctx, r.opts.Timeout)
	defer cancel()

	img := &types.Image{Bytes: image}
	var (
		moderation *rekognition.DetectModerationLabelsOutput
		labels     *rekognition.DetectLabelsOutput
		faces      *rekognition.DetectFacesOutput
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := r.client.DetectModerationLabels(gctx, &rekognition.DetectModerationLabelsInput{
			Image:         img,
			MinConfidence: aws.Float32(float32(r.opts.MinModerationConfidence)),
		})
		if err != nil {
			return unavailable("detect moderation labels", err)
		}
		moderation = out
		return nil
	})
	g.Go(func() error {
		in := &rekognition.DetectLabelsInput{
			Image:         img,
			MinConfidence: aws.Float32(float32(r.opts.MinLabelConfidence)),
		}
		if r.opts.MaxLabels > 0 {
			in.MaxLabels = aws.Int32(int32(r.opts.MaxLabels))
		}
		out, err := r.client.DetectLabels(gctx, in)
		if err != nil {
			return unavailable("detect labels", err)
		}
		labels = out
		return nil
	})
	g.Go(func() error {
		out, err := r.client.DetectFaces(gctx, &rekognition.DetectFacesInput{Image: img})
		if err != nil {
			return unavailable("detect faces", err)
		}
		faces = out
		return nil
	})
	if err := g.Wait(); err != nil {
		return Analysis{}, err
	}

	return fromRekognition(moderation, labels, faces), nil
}

func fromRekognition(
	moderation *rekognition.DetectModerationLabelsOutput,
	labels *rekognition.DetectLabelsOutput,
	faces *rekognition.DetectFacesOutput,
) Analysis {
	a := Analysis{Provider: providerRekognition}
	if moderation != nil {
		for _, l := range moderation.ModerationLabels {
			a.ModerationFlags = append(a.ModerationFlags, gate.Detection{
				Name:       aws.ToString(l.Name),
				Confidence: float64(aws.ToFloat32(l.Confidence)),
			})
		}
	}
	if labels != nil {
		for _, l := range labels.Labels {
			a.Labels = append(a.Labels, gate.Detection{
				Name:       aws.ToString(l.Name),
				Confidence: float64(aws.ToFloat32(l.Confidence)),
			})
		}
	}
	if faces != nil {
		a.FaceCount = len(faces.FaceDetails)
	}
	return a
}
