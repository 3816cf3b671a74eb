package service

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexvision/intake/internal/cache"
	"github.com/nexvision/intake/internal/config"
	"github.com/nexvision/intake/internal/ids"
	"github.com/nexvision/intake/internal/models"
	"github.com/nexvision/intake/internal/orientation"
	"github.com/nexvision/intake/internal/queue"
	"github.com/nexvision/intake/internal/reimagine"
	"github.com/nexvision/intake/internal/repository"
	"github.com/nexvision/intake/internal/security"
	"github.com/nexvision/intake/internal/storage"
)

var (
	ErrNotApproved       = errors.New("upload is not approved")
	ErrReimagineDisabled = errors.New("reimagine provider is not configured")
	ErrProviderFailed    = errors.New("reimagine provider failed")
)

type UploadStore interface {
	Create(ctx context.Context, upload models.Upload) error
	GetByID(ctx context.Context, id string) (models.Upload, error)
	UpdateStatus(ctx context.Context, id string, status models.UploadStatus) error
}

type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	URL(ctx context.Context, bucket, key string) (string, error)
	OriginalsBucket() string
	VariantsBucket() string
}

type TaskPublisher interface {
	Publish(ctx context.Context, task queue.Task) (string, error)
}

type ResultCache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any) error
}

type UploadOptions struct {
	MaxUploadBytes   int64
	TokenSecret      string
	TokenTTL         time.Duration
	ReimagineQuality float64
}

func UploadOptionsFromConfig(cfg *config.AppConfig) UploadOptions {
	return UploadOptions{
		MaxUploadBytes:   cfg.Orientation.MaxUploadBytes,
		TokenSecret:      cfg.Security.UploadTokenSecret,
		TokenTTL:         cfg.Security.UploadTokenTTL,
		ReimagineQuality: cfg.Orientation.ReimagineQuality,
	}
}

type UploadService struct {
	uploads  UploadStore
	store    ObjectStore
	queue    TaskPublisher
	provider reimagine.Provider
	results  ResultCache
	opts     UploadOptions
	log      zerolog.Logger
	now      func() time.Time
}

// NewUploadService wires the upload flow. provider and results may be nil;
// without a provider Reimagine returns ErrReimagineDisabled.
func NewUploadService(uploads UploadStore, store ObjectStore, queue TaskPublisher, provider reimagine.Provider, results ResultCache, opts UploadOptions, log zerolog.Logger) *UploadService {
	return &UploadService{
		uploads:  uploads,
		store:    store,
		queue:    queue,
		provider: provider,
		results:  results,
		opts:     opts,
		log:      log,
		now:      time.Now,
	}
}

type UploadInput struct {
	Name         string
	DeclaredType string
	Data         []byte
}

type UploadResult struct {
	Upload         models.Upload
	Token          string
	TokenExpiresAt time.Time
}

// Upload stores the original, records it as processing and hands it to the
// worker. The returned token is the only way to read the upload back.
func (s *UploadService) Upload(ctx context.Context, input UploadInput) (UploadResult, error) {
	detected, err := ValidateImage(input.Data, input.DeclaredType, s.opts.MaxUploadBytes)
	if err != nil {
		return UploadResult{}, err
	}

	now := s.now().UTC()
	uploadID := ids.New()
	objectKey := storage.ObjectKey(storage.KindOriginal, uploadID, string(detected.Type), now)

	if err := s.store.Put(ctx, s.store.OriginalsBucket(), objectKey, input.Data, detected.MIME); err != nil {
		return UploadResult{}, fmt.Errorf("put object: %w", err)
	}

	sum := sha256.Sum256(input.Data)
	name := input.Name
	if name == "" {
		name = uploadID + "." + string(detected.Type)
	}

	upload := models.Upload{
		ID:        uploadID,
		FileName:  name,
		MediaType: detected.MIME,
		OrientationTag: int(orientation.ReadTag(orientation.RawImage{
			Name: name, MediaType: detected.MIME, Data: input.Data,
		})),
		SizeBytes: int64(len(input.Data)),
		Bucket:    s.store.OriginalsBucket(),
		ObjectKey: objectKey,
		Status:    models.UploadStatusProcessing,
		Reasons:   []string{},
		Checksum:  sum[:],
		CreatedAt: now,
		UpdatedAt: now,
	}
	if dims, err := orientation.Probe(input.Data); err == nil {
		upload.Width, upload.Height = dims.Width, dims.Height
	}

	if err := s.uploads.Create(ctx, upload); err != nil {
		return UploadResult{}, fmt.Errorf("save metadata: %w", err)
	}

	if _, err := s.queue.Publish(ctx, queue.Task{Type: queue.TaskIngest, UploadID: uploadID}); err != nil {
		s.log.Warn().Err(err).Str("upload_id", uploadID).Msg("enqueue ingest failed, left for recheck")
		if err := s.uploads.UpdateStatus(ctx, uploadID, models.UploadStatusFailed); err != nil {
			s.log.Error().Err(err).Str("upload_id", uploadID).Msg("mark upload failed")
		} else {
			upload.Status = models.UploadStatusFailed
		}
	}

	token, expires, err := security.IssueUploadToken(s.opts.TokenSecret, uploadID, s.opts.TokenTTL)
	if err != nil {
		return UploadResult{}, fmt.Errorf("issue upload token: %w", err)
	}

	return UploadResult{Upload: upload, Token: token, TokenExpiresAt: expires}, nil
}

type UploadView struct {
	Upload       models.Upload
	CorrectedURL string
}

func (s *UploadService) Get(ctx context.Context, id string) (UploadView, error) {
	upload, err := s.uploads.GetByID(ctx, id)
	if err != nil {
		return UploadView{}, err
	}
	if upload.Status == models.UploadStatusDeleted {
		return UploadView{}, repository.ErrUploadNotFound
	}

	view := UploadView{Upload: upload}
	if upload.VariantKey != nil {
		url, err := s.store.URL(ctx, s.store.VariantsBucket(), *upload.VariantKey)
		if err != nil {
			return UploadView{}, err
		}
		view.CorrectedURL = url
	}
	return view, nil
}

type ReimagineResult struct {
	URL       string
	Key       string
	Provider  string
	MediaType string
	Cached    bool
}

type cachedReimagine struct {
	Key       string `json:"key"`
	Provider  string `json:"provider"`
	MediaType string `json:"mediaType"`
}

// Reimagine sends an approved upload and prompt to the generative provider.
// The source is re-corrected from the original at the higher reimagine
// quality rather than reusing the stored variant.
func (s *UploadService) Reimagine(ctx context.Context, id, prompt string) (ReimagineResult, error) {
	if s.provider == nil {
		return ReimagineResult{}, ErrReimagineDisabled
	}
	prompt, err := reimagine.NormalizePrompt(prompt)
	if err != nil {
		return ReimagineResult{}, err
	}

	upload, err := s.uploads.GetByID(ctx, id)
	if err != nil {
		return ReimagineResult{}, err
	}
	if upload.Status != models.UploadStatusApproved {
		return ReimagineResult{}, ErrNotApproved
	}

	original, err := s.store.Get(ctx, upload.Bucket, upload.ObjectKey)
	if err != nil {
		return ReimagineResult{}, fmt.Errorf("fetch original: %w", err)
	}

	quality := s.opts.ReimagineQuality
	if quality <= 0 {
		quality = orientation.HighQuality
	}
	corrected, err := orientation.Correct(orientation.RawImage{
		Name:      upload.FileName,
		MediaType: upload.MediaType,
		Data:      original,
	}, quality)
	if err != nil {
		return ReimagineResult{}, err
	}

	cacheKey := cache.ContentKey([]byte(s.provider.Name() + "\x00" + cache.ContentKey(corrected.Data) + "\x00" + prompt))
	if s.results != nil {
		var hit cachedReimagine
		found, err := s.results.Get(ctx, cacheKey, &hit)
		if err != nil {
			s.log.Warn().Err(err).Msg("reimagine cache read failed")
		}
		if found {
			url, err := s.store.URL(ctx, s.store.VariantsBucket(), hit.Key)
			if err != nil {
				return ReimagineResult{}, err
			}
			return ReimagineResult{URL: url, Key: hit.Key, Provider: hit.Provider, MediaType: hit.MediaType, Cached: true}, nil
		}
	}

	generated, err := s.provider.Generate(ctx, reimagine.Request{
		Image:     corrected.Data,
		MediaType: corrected.MediaType,
		Name:      corrected.Name,
		Prompt:    prompt,
	})
	if err != nil {
		return ReimagineResult{}, fmt.Errorf("%w: %w", ErrProviderFailed, err)
	}

	key := storage.ReimagineKey(upload.ID, ids.New(), extensionFor(generated.MediaType))
	if err := s.store.Put(ctx, s.store.VariantsBucket(), key, generated.Data, generated.MediaType); err != nil {
		return ReimagineResult{}, fmt.Errorf("store generated image: %w", err)
	}

	if s.results != nil {
		entry := cachedReimagine{Key: key, Provider: generated.Provider, MediaType: generated.MediaType}
		if err := s.results.Set(ctx, cacheKey, entry); err != nil {
			s.log.Warn().Err(err).Msg("reimagine cache write failed")
		}
	}

	url, err := s.store.URL(ctx, s.store.VariantsBucket(), key)
	if err != nil {
		return ReimagineResult{}, err
	}

	s.log.Info().
		Str("upload_id", upload.ID).
		Str("provider", generated.Provider).
		Str("key", key).
		Msg("reimagine complete")

	return ReimagineResult{URL: url, Key: key, Provider: generated.Provider, MediaType: generated.MediaType}, nil
}

func extensionFor(mediaType string) string {
	switch mediaType {
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}
