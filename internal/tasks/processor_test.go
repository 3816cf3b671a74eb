package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math/bits"
	"sort"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexvision/intake/internal/gate"
	"github.com/nexvision/intake/internal/models"
	"github.com/nexvision/intake/internal/orientation"
	"github.com/nexvision/intake/internal/pipeline"
	"github.com/nexvision/intake/internal/repository"
	"github.com/nexvision/intake/internal/storage"
	"github.com/nexvision/intake/internal/vision"
)

type fakeUploads struct {
	rows     map[string]models.Upload
	outcomes map[string]models.Outcome
}

func newFakeUploads(rows ...models.Upload) *fakeUploads {
	f := &fakeUploads{rows: map[string]models.Upload{}, outcomes: map[string]models.Outcome{}}
	for _, r := range rows {
		f.rows[r.ID] = r
	}
	return f
}

func (f *fakeUploads) GetByID(_ context.Context, id string) (models.Upload, error) {
	u, ok := f.rows[id]
	if !ok {
		return models.Upload{}, repository.ErrUploadNotFound
	}
	return u, nil
}

func (f *fakeUploads) SaveOutcome(_ context.Context, id string, out models.Outcome) error {
	u, ok := f.rows[id]
	if !ok {
		return repository.ErrUploadNotFound
	}
	u.Status = out.Status
	u.VariantKey = out.VariantKey
	u.Approved = out.Approved
	u.Reasons = out.Reasons
	u.PHash = out.PHash
	f.rows[id] = u
	f.outcomes[id] = out
	return nil
}

func (f *fakeUploads) UpdateStatus(_ context.Context, id string, status models.UploadStatus) error {
	u := f.rows[id]
	u.Status = status
	f.rows[id] = u
	return nil
}

func (f *fakeUploads) ListExpired(_ context.Context, cutoff time.Time, limit int) ([]models.Upload, error) {
	return f.filter(limit, func(u models.Upload) bool {
		return u.Status != models.UploadStatusDeleted && u.CreatedAt.Before(cutoff)
	}), nil
}

func (f *fakeUploads) ListByStatus(_ context.Context, status models.UploadStatus, limit int) ([]models.Upload, error) {
	return f.filter(limit, func(u models.Upload) bool { return u.Status == status }), nil
}

// HasRejectedHash follows the repository query: rejected rows only, the
// current upload excluded, Hamming distance within NearDuplicateDistance.
func (f *fakeUploads) HasRejectedHash(_ context.Context, phash int64, excludeID string) (bool, error) {
	for _, u := range f.rows {
		if u.Status != models.UploadStatusRejected || u.ID == excludeID || u.PHash == nil {
			continue
		}
		if bits.OnesCount64(uint64(*u.PHash^phash)) <= repository.NearDuplicateDistance {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeUploads) filter(limit int, keep func(models.Upload) bool) []models.Upload {
	var out []models.Upload
	for _, u := range f.rows {
		if keep(u) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

type fakeObjects struct {
	data     map[string][]byte
	prefixes []string
}

func newFakeObjects() *fakeObjects { return &fakeObjects{data: map[string][]byte{}} }

func (f *fakeObjects) Get(_ context.Context, bucket, key string) ([]byte, error) {
	d, ok := f.data[bucket+"/"+key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return d, nil
}

func (f *fakeObjects) Put(_ context.Context, bucket, key string, data []byte, _ string) error {
	f.data[bucket+"/"+key] = data
	return nil
}

func (f *fakeObjects) Remove(_ context.Context, bucket, key string) error {
	delete(f.data, bucket+"/"+key)
	return nil
}

func (f *fakeObjects) RemovePrefix(_ context.Context, bucket, prefix string) error {
	f.prefixes = append(f.prefixes, bucket+"/"+prefix)
	return nil
}

func (f *fakeObjects) VariantsBucket() string { return "variants" }

type fakeRunner struct {
	result pipeline.Result
	err    error
	seen   []orientation.RawImage
}

func (f *fakeRunner) RunFor(_ context.Context, _ string, img orientation.RawImage) (pipeline.Result, error) {
	f.seen = append(f.seen, img)
	return f.result, f.err
}

var created = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func pendingUpload(id string) models.Upload {
	return models.Upload{
		ID:        id,
		FileName:  "porch.jpg",
		MediaType: "image/jpeg",
		Bucket:    "originals",
		ObjectKey: "original/2026/05/01/" + id + ".jpeg",
		Status:    models.UploadStatusProcessing,
		CreatedAt: created,
	}
}

func approvedResult() pipeline.Result {
	phash := int64(42)
	return pipeline.Result{
		Corrected: orientation.CorrectedImage{
			Name: "porch.jpg", MediaType: "image/jpeg", Data: []byte("corrected"),
			Width: 30, Height: 40, Tag: 6,
		},
		Decision: gate.Decision{Approved: true, Reasons: []string{"Architectural content detected: Porch"}},
		PHash:    &phash,
	}
}

func newProcessor(uploads *fakeUploads, objects *fakeObjects, runner *fakeRunner) *Processor {
	return NewProcessor(uploads, objects, runner, Options{Retention: 24 * time.Hour, BatchSize: 2}, zerolog.Nop())
}

func TestIngestApproved(t *testing.T) {
	upload := pendingUpload("u1")
	uploads := newFakeUploads(upload)
	objects := newFakeObjects()
	objects.data["originals/"+upload.ObjectKey] = []byte("raw")
	runner := &fakeRunner{result: approvedResult()}

	p := newProcessor(uploads, objects, runner)
	require.NoError(t, p.Handle(context.Background(), redis.XMessage{
		ID:     "1-0",
		Values: map[string]any{"type": "ingest", "uploadId": "u1"},
	}))

	require.Len(t, runner.seen, 1)
	assert.Equal(t, []byte("raw"), runner.seen[0].Data)
	assert.Equal(t, "porch.jpg", runner.seen[0].Name)

	out := uploads.outcomes["u1"]
	assert.Equal(t, models.UploadStatusApproved, out.Status)
	assert.Equal(t, 6, out.OrientationTag)
	assert.Equal(t, 30, out.Width)
	require.NotNil(t, out.VariantKey)
	assert.Equal(t, "corrected/2026/05/01/u1.jpg", *out.VariantKey)
	assert.Equal(t, []byte("corrected"), objects.data["variants/corrected/2026/05/01/u1.jpg"])
	assert.Equal(t, int64(42), *out.PHash)
}

func TestIngestSkipsTerminalUploads(t *testing.T) {
	upload := pendingUpload("u1")
	upload.Status = models.UploadStatusRejected
	runner := &fakeRunner{result: approvedResult()}

	p := newProcessor(newFakeUploads(upload), newFakeObjects(), runner)
	require.NoError(t, p.Ingest(context.Background(), "u1"))
	assert.Empty(t, runner.seen)
}

func TestIngestUnknownUploadIsDropped(t *testing.T) {
	p := newProcessor(newFakeUploads(), newFakeObjects(), &fakeRunner{})
	assert.NoError(t, p.Ingest(context.Background(), "missing"))
}

func TestIngestUndecodableUpload(t *testing.T) {
	upload := pendingUpload("u1")
	objects := newFakeObjects()
	objects.data["originals/"+upload.ObjectKey] = []byte("raw")
	uploads := newFakeUploads(upload)
	runner := &fakeRunner{err: fmt.Errorf("correct orientation: %w", orientation.ErrDecode)}

	p := newProcessor(uploads, objects, runner)
	require.NoError(t, p.Ingest(context.Background(), "u1"))

	out := uploads.outcomes["u1"]
	assert.Equal(t, models.UploadStatusRejected, out.Status)
	assert.Equal(t, []string{ReasonUnreadable}, out.Reasons)
}

func TestIngestPipelineErrorIsRetried(t *testing.T) {
	upload := pendingUpload("u1")
	objects := newFakeObjects()
	objects.data["originals/"+upload.ObjectKey] = []byte("raw")
	uploads := newFakeUploads(upload)

	p := newProcessor(uploads, objects, &fakeRunner{err: context.DeadlineExceeded})
	err := p.Ingest(context.Background(), "u1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, uploads.outcomes)
}

func TestOutcomeFor(t *testing.T) {
	tests := []struct {
		name   string
		result pipeline.Result
		status models.UploadStatus
	}{
		{name: "approved", result: pipeline.Result{Decision: gate.Decision{Approved: true}}, status: models.UploadStatusApproved},
		{name: "rejected", result: pipeline.Result{Decision: gate.Decision{Approved: false}}, status: models.UploadStatusRejected},
		{name: "degraded closed", result: pipeline.Result{Degraded: true}, status: models.UploadStatusFailed},
		{name: "degraded open", result: pipeline.Result{Degraded: true, Decision: gate.Decision{Approved: true}}, status: models.UploadStatusApproved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := OutcomeFor(tt.result)
			assert.Equal(t, tt.status, out.Status)
			require.NotNil(t, out.Approved)
			assert.Equal(t, tt.result.Decision.Approved, *out.Approved)
		})
	}
}

func TestCleanupRemovesExpiredInBatches(t *testing.T) {
	old := func(id string) models.Upload {
		u := pendingUpload(id)
		u.Status = models.UploadStatusApproved
		key := "corrected/" + id + ".jpg"
		u.VariantKey = &key
		return u
	}
	fresh := pendingUpload("fresh")
	fresh.CreatedAt = time.Now()

	uploads := newFakeUploads(old("a"), old("b"), old("c"), fresh)
	objects := newFakeObjects()
	for _, id := range []string{"a", "b", "c"} {
		u := uploads.rows[id]
		objects.data["originals/"+u.ObjectKey] = []byte(id)
		objects.data["variants/"+*u.VariantKey] = []byte(id)
	}

	p := newProcessor(uploads, objects, &fakeRunner{})
	removed, err := p.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Empty(t, objects.data)
	assert.ElementsMatch(t, []string{"variants/reimagine/a/", "variants/reimagine/b/", "variants/reimagine/c/"}, objects.prefixes)
	assert.Equal(t, models.UploadStatusDeleted, uploads.rows["a"].Status)
	assert.Equal(t, models.UploadStatusProcessing, uploads.rows["fresh"].Status)
}

func TestRecheckRetriesFailedUploads(t *testing.T) {
	failed := pendingUpload("f1")
	failed.Status = models.UploadStatusFailed
	rejected := pendingUpload("r1")
	rejected.Status = models.UploadStatusRejected

	uploads := newFakeUploads(failed, rejected)
	objects := newFakeObjects()
	objects.data["originals/"+failed.ObjectKey] = []byte("raw")
	runner := &fakeRunner{result: approvedResult()}

	p := newProcessor(uploads, objects, runner)
	done, err := p.Recheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Len(t, runner.seen, 1)
	assert.Equal(t, models.UploadStatusApproved, uploads.rows["f1"].Status)
}

func TestHandleRejectsBadPayload(t *testing.T) {
	p := newProcessor(newFakeUploads(), newFakeObjects(), &fakeRunner{})
	err := p.Handle(context.Background(), redis.XMessage{Values: map[string]any{}})
	require.Error(t, err)
	assert.False(t, errors.Is(err, repository.ErrUploadNotFound))

	assert.NoError(t, p.Handle(context.Background(), redis.XMessage{Values: map[string]any{"type": "thumbnail"}}))
}

type switchAnalyzer struct {
	analysis vision.Analysis
	err      error
	calls    int
}

func (a *switchAnalyzer) Analyze(context.Context, []byte) (vision.Analysis, error) {
	a.calls++
	return a.analysis, a.err
}

func facadeJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 48, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 48; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 5), G: uint8(y * 7), B: uint8((x + y) * 3), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func TestRecheckReanalyzesUploadFailedDuringOutage(t *testing.T) {
	upload := pendingUpload("outage")
	uploads := newFakeUploads(upload)
	objects := newFakeObjects()
	objects.data["originals/"+upload.ObjectKey] = facadeJPEG(t)

	analyzer := &switchAnalyzer{err: errors.New("vision down")}
	runner := pipeline.New(analyzer, nil, uploads, pipeline.Options{}, zerolog.Nop())
	p := NewProcessor(uploads, objects, runner, Options{BatchSize: 5}, zerolog.Nop())

	require.NoError(t, p.Ingest(context.Background(), upload.ID))
	row := uploads.rows[upload.ID]
	require.Equal(t, models.UploadStatusFailed, row.Status)
	require.NotNil(t, row.PHash)
	require.False(t, *row.Approved)

	analyzer.err = nil
	analyzer.analysis = vision.Analysis{Provider: "fake", Labels: []gate.Detection{{Name: "Facade", Confidence: 91}}}

	done, err := p.Recheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Equal(t, 2, analyzer.calls)
	assert.Equal(t, models.UploadStatusApproved, uploads.rows[upload.ID].Status)
	assert.Equal(t, []string{"Architectural content detected: Facade"}, uploads.rows[upload.ID].Reasons)
}

func TestIngestShortCircuitsKnownRejectedImage(t *testing.T) {
	first, second := pendingUpload("first"), pendingUpload("second")
	uploads := newFakeUploads(first, second)
	objects := newFakeObjects()
	data := facadeJPEG(t)
	objects.data["originals/"+first.ObjectKey] = data
	objects.data["originals/"+second.ObjectKey] = data

	analyzer := &switchAnalyzer{analysis: vision.Analysis{Provider: "fake", Labels: []gate.Detection{{Name: "Car", Confidence: 95}}}}
	runner := pipeline.New(analyzer, nil, uploads, pipeline.Options{}, zerolog.Nop())
	p := NewProcessor(uploads, objects, runner, Options{}, zerolog.Nop())

	require.NoError(t, p.Ingest(context.Background(), first.ID))
	require.Equal(t, models.UploadStatusRejected, uploads.rows[first.ID].Status)

	require.NoError(t, p.Ingest(context.Background(), second.ID))
	assert.Equal(t, 1, analyzer.calls)
	assert.Equal(t, models.UploadStatusRejected, uploads.rows[second.ID].Status)
	assert.Equal(t, []string{pipeline.ReasonKnownRejected}, uploads.rows[second.ID].Reasons)
}
