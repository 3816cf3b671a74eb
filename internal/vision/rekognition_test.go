package vision

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexvision/intake/internal/gate"
)

type fakeRekognition struct {
	moderation []types.ModerationLabel
	labels     []types.Label
	faces      int
	labelsErr  error

	gotLabels atomic.Pointer[rekognition.DetectLabelsInput]
}

func (f *fakeRekognition) DetectModerationLabels(ctx context.Context, in *rekognition.DetectModerationLabelsInput, _ ...func(*rekognition.Options)) (*rekognition.DetectModerationLabelsOutput, error) {
	return &rekognition.DetectModerationLabelsOutput{ModerationLabels: f.moderation}, nil
}

func (f *fakeRekognition) DetectLabels(ctx context.Context, in *rekognition.DetectLabelsInput, _ ...func(*rekognition.Options)) (*rekognition.DetectLabelsOutput, error) {
	f.gotLabels.Store(in)
	if f.labelsErr != nil {
		return nil, f.labelsErr
	}
	return &rekognition.DetectLabelsOutput{Labels: f.labels}, nil
}

func (f *fakeRekognition) DetectFaces(ctx context.Context, in *rekognition.DetectFacesInput, _ ...func(*rekognition.Options)) (*rekognition.DetectFacesOutput, error) {
	return &rekognition.DetectFacesOutput{FaceDetails: make([]types.FaceDetail, f.faces)}, nil
}

func TestRekognitionAnalyze(t *testing.T) {
	fake := &fakeRekognition{
		moderation: []types.ModerationLabel{{Name: aws.String("Violence"), Confidence: aws.Float32(88)}},
		labels: []types.Label{
			{Name: aws.String("House"), Confidence: aws.Float32(97.5)},
			{Name: aws.String("Lawn"), Confidence: aws.Float32(61)},
		},
		faces: 2,
	}
	r := &Rekognition{client: fake, opts: Options{MinModerationConfidence: 50, MinLabelConfidence: 30, MaxLabels: 50, Timeout: time.Second}}

	got, err := r.Analyze(context.Background(), []byte("jpeg"))
	require.NoError(t, err)

	assert.Equal(t, Analysis{
		Provider:        "rekognition",
		Labels:          []gate.Detection{{Name: "House", Confidence: 97.5}, {Name: "Lawn", Confidence: 61}},
		FaceCount:       2,
		ModerationFlags: []gate.Detection{{Name: "Violence", Confidence: 88}},
	}, got)

	in := fake.gotLabels.Load()
	require.NotNil(t, in)
	assert.Equal(t, int32(50), aws.ToInt32(in.MaxLabels))
	assert.Equal(t, float32(30), aws.ToFloat32(in.MinConfidence))
	assert.Equal(t, []byte("jpeg"), in.Image.Bytes)
}

func TestRekognitionAnalyzeFailure(t *testing.T) {
	fake := &fakeRekognition{labelsErr: errors.New("throttled")}
	r := &Rekognition{client: fake}

	_, err := r.Analyze(context.Background(), []byte("jpeg"))
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "throttled")
}

func TestAnalysisInput(t *testing.T) {
	a := Analysis{Labels: []gate.Detection{{Name: "Kitchen", Confidence: 90}}}
	assert.True(t, gate.Evaluate(a.Input()).Approved)
}
