package models

import "time"

type UploadStatus string

const (
	UploadStatusProcessing UploadStatus = "processing"
	UploadStatusApproved   UploadStatus = "approved"
	UploadStatusRejected   UploadStatus = "rejected"
	UploadStatusFailed     UploadStatus = "failed"
	UploadStatusDeleted    UploadStatus = "deleted"
)

// Terminal reports whether the ingest pipeline is done with an upload.
func (s UploadStatus) Terminal() bool {
	return s == UploadStatusApproved || s == UploadStatusRejected || s == UploadStatusDeleted
}

type Upload struct {
	ID             string
	FileName       string
	MediaType      string
	OrientationTag int
	Width          int
	Height         int
	SizeBytes      int64
	Bucket         string
	ObjectKey      string
	VariantKey     *string
	PHash          *int64
	Status         UploadStatus
	Approved       *bool
	Reasons        []string
	Checksum       []byte
	ExpireAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Outcome is what the ingest pipeline writes back to an upload row.
type Outcome struct {
	Status         UploadStatus
	Approved       *bool
	Reasons        []string
	OrientationTag int
	Width          int
	Height         int
	VariantKey     *string
	PHash          *int64
}
