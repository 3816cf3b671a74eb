package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nexvision/intake/internal/models"
	"github.com/nexvision/intake/internal/orientation"
	"github.com/nexvision/intake/internal/pipeline"
	"github.com/nexvision/intake/internal/queue"
	"github.com/nexvision/intake/internal/repository"
	"github.com/nexvision/intake/internal/storage"
)

const ReasonUnreadable = "The uploaded file could not be read as an image."

type Uploads interface {
	GetByID(ctx context.Context, id string) (models.Upload, error)
	SaveOutcome(ctx context.Context, id string, out models.Outcome) error
	UpdateStatus(ctx context.Context, id string, status models.UploadStatus) error
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]models.Upload, error)
	ListByStatus(ctx context.Context, status models.UploadStatus, limit int) ([]models.Upload, error)
}

type Objects interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Remove(ctx context.Context, bucket, key string) error
	RemovePrefix(ctx context.Context, bucket, prefix string) error
	VariantsBucket() string
}

type Runner interface {
	RunFor(ctx context.Context, uploadID string, img orientation.RawImage) (pipeline.Result, error)
}

type Options struct {
	Retention time.Duration
	BatchSize int
}

type Processor struct {
	uploads Uploads
	objects Objects
	runner  Runner
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
}

func NewProcessor(uploads Uploads, objects Objects, runner Runner, opts Options, logger zerolog.Logger) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	return &Processor{
		uploads: uploads,
		objects: objects,
		runner:  runner,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

func (p *Processor) Handle(ctx context.Context, msg redis.XMessage) error {
	task, err := queue.DecodeTask(msg.Values)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	switch task.Type {
	case queue.TaskIngest:
		return p.Ingest(ctx, task.UploadID)
	case queue.TaskCleanup:
		_, err := p.Cleanup(ctx)
		return err
	case queue.TaskRecheck:
		_, err := p.Recheck(ctx)
		return err
	default:
		p.logger.Warn().Str("type", string(task.Type)).Msg("unknown task type")
		return nil
	}
}

// Ingest runs the pipeline for one upload and records the outcome. Uploads
// that already reached a terminal status are left alone, so redelivered
// entries are harmless.
func (p *Processor) Ingest(ctx context.Context, uploadID string) error {
	log := p.logger.With().Str("upload_id", uploadID).Logger()

	upload, err := p.uploads.GetByID(ctx, uploadID)
	if errors.Is(err, repository.ErrUploadNotFound) {
		log.Warn().Msg("ingest for unknown upload dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load upload: %w", err)
	}
	if upload.Status.Terminal() {
		log.Debug().Str("status", string(upload.Status)).Msg("upload already processed")
		return nil
	}

	data, err := p.objects.Get(ctx, upload.Bucket, upload.ObjectKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		log.Warn().Msg("original object missing")
		return p.uploads.SaveOutcome(ctx, uploadID, models.Outcome{
			Status:         models.UploadStatusRejected,
			Approved:       boolPtr(false),
			Reasons:        []string{ReasonUnreadable},
			OrientationTag: upload.OrientationTag,
		})
	}
	if err != nil {
		return fmt.Errorf("fetch original: %w", err)
	}

	res, err := p.runner.RunFor(ctx, upload.ID, orientation.RawImage{
		Name:      upload.FileName,
		MediaType: upload.MediaType,
		Data:      data,
	})
	if err != nil {
		if !errors.Is(err, orientation.ErrDecode) && !errors.Is(err, orientation.ErrEncode) {
			return fmt.Errorf("run pipeline: %w", err)
		}
		log.Warn().Err(err).Msg("upload is not a usable image")
		return p.uploads.SaveOutcome(ctx, uploadID, models.Outcome{
			Status:         models.UploadStatusRejected,
			Approved:       boolPtr(false),
			Reasons:        []string{ReasonUnreadable},
			OrientationTag: upload.OrientationTag,
		})
	}

	out := OutcomeFor(res)
	if out.Status == models.UploadStatusApproved {
		key := storage.ObjectKey(storage.KindCorrected, upload.ID, "jpg", upload.CreatedAt)
		if err := p.objects.Put(ctx, p.objects.VariantsBucket(), key, res.Corrected.Data, res.Corrected.MediaType); err != nil {
			return fmt.Errorf("store corrected variant: %w", err)
		}
		out.VariantKey = &key
	}

	if err := p.uploads.SaveOutcome(ctx, uploadID, out); err != nil {
		return fmt.Errorf("save outcome: %w", err)
	}

	log.Info().
		Str("status", string(out.Status)).
		Int("orientation_tag", out.OrientationTag).
		Bool("cached", res.Cached).
		Bool("degraded", res.Degraded).
		Msg("ingest complete")
	return nil
}

// OutcomeFor maps a pipeline result onto the upload row. A rejection caused
// by an unavailable vision service is recorded as failed so recheck retries it.
func OutcomeFor(res pipeline.Result) models.Outcome {
	status := models.UploadStatusRejected
	switch {
	case res.Decision.Approved:
		status = models.UploadStatusApproved
	case res.Degraded:
		status = models.UploadStatusFailed
	}
	return models.Outcome{
		Status:         status,
		Approved:       boolPtr(res.Decision.Approved),
		Reasons:        res.Decision.Reasons,
		OrientationTag: int(res.Corrected.Tag),
		Width:          res.Corrected.Width,
		Height:         res.Corrected.Height,
		PHash:          res.PHash,
	}
}

// Cleanup deletes uploads past the retention window, one batch at a time,
// and returns how many were removed.
func (p *Processor) Cleanup(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.opts.Retention)
	removed := 0
	for {
		expired, err := p.uploads.ListExpired(ctx, cutoff, p.opts.BatchSize)
		if err != nil {
			return removed, fmt.Errorf("list expired: %w", err)
		}
		for _, upload := range expired {
			if err := p.purge(ctx, upload); err != nil {
				return removed, err
			}
			removed++
		}
		if len(expired) < p.opts.BatchSize {
			break
		}
	}
	p.logger.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("cleanup finished")
	return removed, nil
}

func (p *Processor) purge(ctx context.Context, upload models.Upload) error {
	if err := p.objects.Remove(ctx, upload.Bucket, upload.ObjectKey); err != nil {
		return fmt.Errorf("remove original %s: %w", upload.ID, err)
	}
	if upload.VariantKey != nil {
		if err := p.objects.Remove(ctx, p.objects.VariantsBucket(), *upload.VariantKey); err != nil {
			return fmt.Errorf("remove variant %s: %w", upload.ID, err)
		}
	}
	if err := p.objects.RemovePrefix(ctx, p.objects.VariantsBucket(), storage.ReimaginePrefix(upload.ID)); err != nil {
		return fmt.Errorf("remove generated images %s: %w", upload.ID, err)
	}
	if err := p.uploads.UpdateStatus(ctx, upload.ID, models.UploadStatusDeleted); err != nil {
		return fmt.Errorf("mark deleted %s: %w", upload.ID, err)
	}
	return nil
}

// Recheck re-runs ingest for uploads whose analysis failed earlier.
func (p *Processor) Recheck(ctx context.Context) (int, error) {
	failed, err := p.uploads.ListByStatus(ctx, models.UploadStatusFailed, p.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list failed uploads: %w", err)
	}
	done := 0
	for _, upload := range failed {
		if err := p.Ingest(ctx, upload.ID); err != nil {
			p.logger.Error().Err(err).Str("upload_id", upload.ID).Msg("recheck failed")
			continue
		}
		done++
	}
	p.logger.Info().Int("candidates", len(failed)).Int("rechecked", done).Msg("recheck finished")
	return done, nil
}

func boolPtr(v bool) *bool { return &v }
