package handlers

import (
	"context"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"meshhub/config"
	"meshhub/models"
)

// Store is the slice of the ledger the HTTP layer needs.
type Store interface {
	InsertAsset(ctx context.Context, a *models.Asset) error
	GetAsset(ctx context.Context, id, ownerID string) (*models.Asset, error)
	ListAssets(ctx context.Context, ownerID string) ([]models.Asset, error)
	DeleteAsset(ctx context.Context, id, ownerID string) error
	InsertJob(ctx context.Context, j *models.ConversionJob) error
	GetJob(ctx context.Context, id string) (*models.ConversionJob, error)
}

type BlobStore interface {
	Upload(ctx context.Context, locator string, body io.Reader, contentType string) error
	GetStream(ctx context.Context, locator string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, locator string) error
	PresignedReadURL(locator string, ttl time.Duration) (string, error)
}

type Dispatch interface {
	Publish(ctx context.Context, item models.WorkItem) error
}

type Handler struct {
	store     Store
	blobs     BlobStore
	dispatch  Dispatch
	cfg       *config.Config
	validator *validator.Validate
	log       *zap.SugaredLogger
}

func New(store Store, blobs BlobStore, dispatch Dispatch, cfg *config.Config, log *zap.SugaredLogger) *Handler {
	return &Handler{
		store:     store,
		blobs:     blobs,
		dispatch:  dispatch,
		cfg:       cfg,
		validator: validator.New(),
		log:       log,
	}
}
