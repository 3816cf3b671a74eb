package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nexvision/intake/internal/models"
)

var ErrUploadNotFound = errors.New("upload not found")

// DB is the subset of pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type UploadRepository struct {
	db DB
}

func NewUploadRepository(db DB) *UploadRepository {
	return &UploadRepository{db: db}
}

const uploadColumns = `
	id, file_name, media_type, orientation_tag, width, height, size_bytes,
	bucket, object_key, variant_key, phash, status, approved, reasons,
	checksum, expire_at, created_at, updated_at`

func (r *UploadRepository) Create(ctx context.Context, upload models.Upload) error {
	const query = `
		INSERT INTO uploads (
			id, file_name, media_type, orientation_tag, width, height, size_bytes,
			bucket, object_key, status, reasons, checksum, expire_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, NOW(), NOW()
		)
	`

	_, err := r.db.Exec(ctx, query,
		upload.ID,
		upload.FileName,
		upload.MediaType,
		upload.OrientationTag,
		upload.Width,
		upload.Height,
		upload.SizeBytes,
		upload.Bucket,
		upload.ObjectKey,
		upload.Status,
		nonNil(upload.Reasons),
		upload.Checksum,
		upload.ExpireAt,
	)
	return err
}

func (r *UploadRepository) GetByID(ctx context.Context, id string) (models.Upload, error) {
	row := r.db.QueryRow(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = $1`, id)
	upload, err := scanUpload(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Upload{}, ErrUploadNotFound
		}
		return models.Upload{}, err
	}
	return upload, nil
}

// SaveOutcome records the result of an ingest run.
func (r *UploadRepository) SaveOutcome(ctx context.Context, id string, out models.Outcome) error {
	const query = `
		UPDATE uploads
		SET status = $2,
		    approved = $3,
		    reasons = $4,
		    orientation_tag = $5,
		    width = $6,
		    height = $7,
		    variant_key = COALESCE($8, variant_key),
		    phash = COALESCE($9, phash),
		    updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query,
		id,
		out.Status,
		out.Approved,
		nonNil(out.Reasons),
		out.OrientationTag,
		out.Width,
		out.Height,
		out.VariantKey,
		out.PHash,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUploadNotFound
	}
	return nil
}

func (r *UploadRepository) UpdateStatus(ctx context.Context, id string, status models.UploadStatus) error {
	const query = `
		UPDATE uploads
		SET status = $2,
		    updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUploadNotFound
	}
	return nil
}

// ListExpired returns live uploads past their expiry or created before cutoff.
func (r *UploadRepository) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]models.Upload, error) {
	const query = `
		SELECT ` + uploadColumns + `
		FROM uploads
		WHERE status != 'deleted'
		  AND (created_at < $1 OR (expire_at IS NOT NULL AND expire_at < NOW()))
		ORDER BY created_at ASC
		LIMIT $2
	`
	return r.list(ctx, query, cutoff, limit)
}

// ListByStatus returns the oldest uploads in status, least recently updated first.
func (r *UploadRepository) ListByStatus(ctx context.Context, status models.UploadStatus, limit int) ([]models.Upload, error) {
	const query = `
		SELECT ` + uploadColumns + `
		FROM uploads
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	return r.list(ctx, query, status, limit)
}

// NearDuplicateDistance is the largest pHash Hamming distance at which two
// images count as the same picture.
const NearDuplicateDistance = 5

// HasRejectedHash reports whether a rejected upload other than excludeID has a
// perceptual hash within NearDuplicateDistance bits of phash.
func (r *UploadRepository) HasRejectedHash(ctx context.Context, phash int64, excludeID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM uploads
			WHERE status = 'rejected'
			  AND phash IS NOT NULL
			  AND id <> $2
			  AND bit_count((phash # $1)::bit(64)) <= $3
		)`
	var exists bool
	if err := r.db.QueryRow(ctx, query, phash, excludeID, NearDuplicateDistance).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *UploadRepository) list(ctx context.Context, query string, args ...any) ([]models.Upload, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uploads []models.Upload
	for rows.Next() {
		upload, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, upload)
	}
	return uploads, rows.Err()
}

func scanUpload(row pgx.Row) (models.Upload, error) {
	var u models.Upload
	err := row.Scan(
		&u.ID,
		&u.FileName,
		&u.MediaType,
		&u.OrientationTag,
		&u.Width,
		&u.Height,
		&u.SizeBytes,
		&u.Bucket,
		&u.ObjectKey,
		&u.VariantKey,
		&u.PHash,
		&u.Status,
		&u.Approved,
		&u.Reasons,
		&u.Checksum,
		&u.ExpireAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	return u, err
}

func nonNil(reasons []string) []string {
	if reasons == nil {
		return []string{}
	}
	return reasons
}
