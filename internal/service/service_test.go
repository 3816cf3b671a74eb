package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexvision/intake/internal/gate"
	"github.com/nexvision/intake/internal/models"
	"github.com/nexvision/intake/internal/orientation"
	"github.com/nexvision/intake/internal/pipeline"
	"github.com/nexvision/intake/internal/queue"
	"github.com/nexvision/intake/internal/reimagine"
	"github.com/nexvision/intake/internal/repository"
	"github.com/nexvision/intake/internal/security"
)

const secret = "test-upload-secret"

func jpegData(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func pngData(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 3, 3))
	img.Set(1, 1, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type memUploads struct {
	rows map[string]models.Upload
}

func (m *memUploads) Create(_ context.Context, u models.Upload) error {
	m.rows[u.ID] = u
	return nil
}

func (m *memUploads) GetByID(_ context.Context, id string) (models.Upload, error) {
	u, ok := m.rows[id]
	if !ok {
		return models.Upload{}, repository.ErrUploadNotFound
	}
	return u, nil
}

func (m *memUploads) UpdateStatus(_ context.Context, id string, status models.UploadStatus) error {
	u := m.rows[id]
	u.Status = status
	m.rows[id] = u
	return nil
}

type memStore struct {
	objects map[string][]byte
}

func (m *memStore) Put(_ context.Context, bucket, key string, data []byte, _ string) error {
	m.objects[bucket+"/"+key] = data
	return nil
}

func (m *memStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	d, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("missing")
	}
	return d, nil
}

func (m *memStore) URL(_ context.Context, bucket, key string) (string, error) {
	return "https://objects.test/" + bucket + "/" + key, nil
}

func (m *memStore) OriginalsBucket() string { return "originals" }
func (m *memStore) VariantsBucket() string  { return "variants" }

type memQueue struct {
	tasks []queue.Task
	err   error
}

func (m *memQueue) Publish(_ context.Context, task queue.Task) (string, error) {
	m.tasks = append(m.tasks, task)
	return "1-0", m.err
}

type memCache struct {
	entries map[string]any
}

func (m *memCache) Get(_ context.Context, key string, dst any) (bool, error) {
	v, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	*(dst.(*cachedReimagine)) = v.(cachedReimagine)
	return true, nil
}

func (m *memCache) Set(_ context.Context, key string, v any) error {
	m.entries[key] = v
	return nil
}

type fakeProvider struct {
	calls   int
	request reimagine.Request
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Generate(_ context.Context, req reimagine.Request) (reimagine.Result, error) {
	f.calls++
	f.request = req
	return reimagine.Result{Provider: "fake", Data: []byte("generated"), MediaType: "image/png"}, nil
}

type fixture struct {
	uploads  *memUploads
	store    *memStore
	queue    *memQueue
	provider *fakeProvider
	svc      *UploadService
}

func newFixture() *fixture {
	f := &fixture{
		uploads:  &memUploads{rows: map[string]models.Upload{}},
		store:    &memStore{objects: map[string][]byte{}},
		queue:    &memQueue{},
		provider: &fakeProvider{},
	}
	f.svc = NewUploadService(f.uploads, f.store, f.queue, f.provider, &memCache{entries: map[string]any{}}, UploadOptions{
		MaxUploadBytes: 1 << 20,
		TokenSecret:    secret,
		TokenTTL:       time.Hour,
	}, zerolog.Nop())
	return f
}

func TestValidateImage(t *testing.T) {
	jpg := jpegData(t, 4, 4)
	tests := []struct {
		name     string
		data     []byte
		declared string
		max      int64
		err      error
		mime     string
	}{
		{name: "jpeg", data: jpg, declared: "image/jpeg", mime: "image/jpeg"},
		{name: "jpg alias", data: jpg, declared: "image/jpg", mime: "image/jpeg"},
		{name: "octet stream", data: jpg, declared: "application/octet-stream", mime: "image/jpeg"},
		{name: "png", data: pngData(t), mime: "image/png"},
		{name: "empty", data: nil, err: ErrEmptyFile},
		{name: "too large", data: jpg, max: 10, err: ErrTooLarge},
		{name: "gif not allowed", data: []byte("GIF89a......"), err: ErrUnsupportedType},
		{name: "text", data: []byte("hello world"), err: ErrUnsupportedType},
		{name: "mismatch", data: jpg, declared: "image/png", err: ErrTypeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ValidateImage(tt.data, tt.declared, tt.max)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.mime, res.MIME)
		})
	}
}

func TestUpload(t *testing.T) {
	f := newFixture()
	data := jpegData(t, 20, 10)

	res, err := f.svc.Upload(context.Background(), UploadInput{Name: "front.jpg", DeclaredType: "image/jpeg", Data: data})
	require.NoError(t, err)

	u := res.Upload
	assert.Equal(t, "front.jpg", u.FileName)
	assert.Equal(t, "image/jpeg", u.MediaType)
	assert.Equal(t, models.UploadStatusProcessing, u.Status)
	assert.Equal(t, 1, u.OrientationTag)
	assert.Equal(t, 20, u.Width)
	assert.Equal(t, 10, u.Height)
	assert.Len(t, u.Checksum, 32)
	assert.Equal(t, data, f.store.objects["originals/"+u.ObjectKey])
	assert.Contains(t, u.ObjectKey, "original/")
	assert.Equal(t, u, f.uploads.rows[u.ID])
	assert.Equal(t, []queue.Task{{Type: queue.TaskIngest, UploadID: u.ID}}, f.queue.tasks)

	claims, err := security.ParseUploadToken(res.Token, secret)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.UploadID)
}

func TestUploadEnqueueFailureMarksFailed(t *testing.T) {
	f := newFixture()
	f.queue.err = errors.New("redis down")

	res, err := f.svc.Upload(context.Background(), UploadInput{Name: "a.jpg", Data: jpegData(t, 4, 4)})
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusFailed, res.Upload.Status)
	assert.Equal(t, models.UploadStatusFailed, f.uploads.rows[res.Upload.ID].Status)
}

func TestUploadRejectsInvalidFile(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Upload(context.Background(), UploadInput{Name: "a.txt", Data: []byte("plain text")})
	assert.ErrorIs(t, err, ErrUnsupportedType)
	assert.Empty(t, f.store.objects)
	assert.Empty(t, f.queue.tasks)
}

func TestGet(t *testing.T) {
	f := newFixture()
	key := "corrected/2026/01/01/u1.jpg"
	f.uploads.rows["u1"] = models.Upload{ID: "u1", Status: models.UploadStatusApproved, VariantKey: &key}
	f.uploads.rows["gone"] = models.Upload{ID: "gone", Status: models.UploadStatusDeleted}

	view, err := f.svc.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "https://objects.test/variants/"+key, view.CorrectedURL)

	_, err = f.svc.Get(context.Background(), "gone")
	assert.ErrorIs(t, err, repository.ErrUploadNotFound)
}

func approvedUpload(t *testing.T, f *fixture) models.Upload {
	t.Helper()
	u := models.Upload{
		ID:        "u1",
		FileName:  "front.jpg",
		MediaType: "image/jpeg",
		Bucket:    "originals",
		ObjectKey: "original/u1.jpeg",
		Status:    models.UploadStatusApproved,
	}
	f.uploads.rows[u.ID] = u
	f.store.objects["originals/"+u.ObjectKey] = jpegData(t, 16, 8)
	return u
}

func TestReimagine(t *testing.T) {
	f := newFixture()
	approvedUpload(t, f)

	first, err := f.svc.Reimagine(context.Background(), "u1", "  modern farmhouse  ")
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, "fake", first.Provider)
	assert.Contains(t, first.Key, "reimagine/u1/")
	assert.Equal(t, []byte("generated"), f.store.objects["variants/"+first.Key])
	assert.Equal(t, "modern farmhouse", f.provider.request.Prompt)
	assert.Equal(t, "image/jpeg", f.provider.request.MediaType)

	second, err := f.svc.Reimagine(context.Background(), "u1", "modern farmhouse")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, 1, f.provider.calls)
}

func TestReimagineGuards(t *testing.T) {
	f := newFixture()
	f.uploads.rows["pending"] = models.Upload{ID: "pending", Status: models.UploadStatusProcessing}

	_, err := f.svc.Reimagine(context.Background(), "pending", "add a pool")
	assert.ErrorIs(t, err, ErrNotApproved)

	_, err = f.svc.Reimagine(context.Background(), "pending", " ")
	assert.ErrorIs(t, err, reimagine.ErrEmptyPrompt)

	_, err = f.svc.Reimagine(context.Background(), "missing", "add a pool")
	assert.ErrorIs(t, err, repository.ErrUploadNotFound)

	disabled := NewUploadService(f.uploads, f.store, f.queue, nil, nil, UploadOptions{}, zerolog.Nop())
	_, err = disabled.Reimagine(context.Background(), "pending", "add a pool")
	assert.ErrorIs(t, err, ErrReimagineDisabled)
}

type stubRunner struct {
	seen orientation.RawImage
}

func (s *stubRunner) Run(_ context.Context, img orientation.RawImage) (pipeline.Result, error) {
	s.seen = img
	return pipeline.Result{Decision: gate.Decision{Approved: true}}, nil
}

func TestAnalyze(t *testing.T) {
	runner := &stubRunner{}
	svc := NewAnalysisService(runner, 0)

	res, err := svc.Analyze(context.Background(), AnalyzeInput{Name: "IMG_0001", Data: jpegData(t, 4, 4)})
	require.NoError(t, err)
	assert.True(t, res.Decision.Approved)
	assert.Equal(t, "image/jpeg", res.Detected.MIME)
	assert.Equal(t, "image/jpeg", runner.seen.MediaType)

	_, err = svc.Analyze(context.Background(), AnalyzeInput{Data: []byte("nope")})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}
