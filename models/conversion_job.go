package models

import (
	"path"
	"strings"
	"time"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ConversionJob tracks one unit of asynchronous format-conversion work.
// Status moves strictly forward: pending -> processing -> completed|failed.
// SourceLocator addresses the uploaded bytes; OutputLocator is set only when
// the job completes, together with ResultAssetID pointing at the derived
// asset row.
type ConversionJob struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"ownerId"`
	SourceAssetID  string     `json:"sourceAssetId"`
	OriginalName   string     `json:"originalName"`
	OriginalType   string     `json:"originalType"`
	ConvertedName  string     `json:"convertedName"`
	ConvertedType  string     `json:"convertedType"`
	Status         JobStatus  `json:"status"`
	SourceLocator  string     `json:"sourceLocator"`
	OutputLocator  string     `json:"outputLocator,omitempty"`
	ResultAssetID  *string    `json:"resultAssetId,omitempty"`
	ErrorMessage   *string    `json:"errorMessage,omitempty"`
	Attempts       int        `json:"attempts"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// DeriveConvertedName replaces the extension of the source filename with the
// target format, e.g. ("cube.obj", "glb") -> "cube.glb".
func DeriveConvertedName(originalName, targetFormat string) string {
	ext := path.Ext(originalName)
	return strings.TrimSuffix(originalName, ext) + "." + targetFormat
}

// ConversionResult is what the external conversion engine reports back for a
// successful transcode.
type ConversionResult struct {
	ConvertedPath string
	Format        string
	SizeBytes     int64
}
