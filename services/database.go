package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"meshhub/models"
)

// DatabaseService is the durable ledger: asset rows and conversion job rows.
// All job mutations are single-row conditional updates; the only multi-row
// write is CompleteJob, which links the derived asset in one transaction.
type DatabaseService struct {
	db *sql.DB
}

func NewDatabaseService(databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DatabaseService{db: db}, nil
}

// EnsureSchema creates the tables on startup when they do not exist yet.
func (d *DatabaseService) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS assets (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			size_bytes BIGINT NOT NULL,
			storage_locator TEXT NOT NULL,
			thumbnail_locator TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversion_jobs (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			source_asset_id TEXT NOT NULL,
			original_name TEXT NOT NULL,
			original_type TEXT NOT NULL,
			converted_name TEXT NOT NULL,
			converted_type TEXT NOT NULL,
			status TEXT NOT NULL,
			source_locator TEXT NOT NULL,
			output_locator TEXT NOT NULL DEFAULT '',
			result_asset_id TEXT,
			error_message TEXT,
			attempts INT NOT NULL DEFAULT 0,
			lease_expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assets_owner ON assets (owner_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON conversion_jobs (status, lease_expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func (d *DatabaseService) InsertAsset(ctx context.Context, a *models.Asset) error {
	query := `INSERT INTO assets (id, owner_id, name, type, size_bytes, storage_locator, thumbnail_locator, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := d.db.ExecContext(ctx, query,
		a.ID, a.OwnerID, a.Name, a.Type, a.SizeBytes, a.StorageLocator, a.ThumbnailLocator, a.CreatedAt)
	return err
}

// GetAsset returns the asset only when it belongs to ownerID; anything else
// is models.ErrNotFound.
func (d *DatabaseService) GetAsset(ctx context.Context, id, ownerID string) (*models.Asset, error) {
	query := `SELECT id, owner_id, name, type, size_bytes, storage_locator, thumbnail_locator, created_at
		FROM assets WHERE id = $1 AND owner_id = $2`
	a, err := scanAsset(d.db.QueryRowContext(ctx, query, id, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return a, err
}

func (d *DatabaseService) ListAssets(ctx context.Context, ownerID string) ([]models.Asset, error) {
	query := `SELECT id, owner_id, name, type, size_bytes, storage_locator, thumbnail_locator, created_at
		FROM assets WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := d.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

func (d *DatabaseService) DeleteAsset(ctx context.Context, id, ownerID string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM assets WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (d *DatabaseService) InsertJob(ctx context.Context, j *models.ConversionJob) error {
	query := `INSERT INTO conversion_jobs
		(id, owner_id, source_asset_id, original_name, original_type, converted_name, converted_type,
		 status, source_locator, output_locator, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := d.db.ExecContext(ctx, query,
		j.ID, j.OwnerID, j.SourceAssetID, j.OriginalName, j.OriginalType,
		j.ConvertedName, j.ConvertedType, j.Status, j.SourceLocator, j.OutputLocator,
		j.Attempts, j.CreatedAt)
	return err
}

func (d *DatabaseService) GetJob(ctx context.Context, id string) (*models.ConversionJob, error) {
	query := jobSelect + ` WHERE id = $1`
	j, err := scanJob(d.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return j, err
}

// ClaimPending is the pending->processing compare-and-set. Exactly one
// delivery of a given job wins it; duplicates see zero rows affected.
func (d *DatabaseService) ClaimPending(ctx context.Context, id string, leaseExpiry time.Time) (bool, error) {
	query := `UPDATE conversion_jobs
		SET status = $1, lease_expires_at = $2, attempts = attempts + 1
		WHERE id = $3 AND status = $4`
	res, err := d.db.ExecContext(ctx, query, models.JobProcessing, leaseExpiry, id, models.JobPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ExtendLease renews the processing lease for a retry or recovery
// redelivery. It fails (false) once the job has reached a terminal state.
func (d *DatabaseService) ExtendLease(ctx context.Context, id string, leaseExpiry time.Time) (bool, error) {
	query := `UPDATE conversion_jobs
		SET lease_expires_at = $1, attempts = attempts + 1
		WHERE id = $2 AND status = $3`
	res, err := d.db.ExecContext(ctx, query, leaseExpiry, id, models.JobProcessing)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CompleteJob finishes a processing job and inserts the derived asset in the
// same transaction, so a completed job and its result asset appear together.
func (d *DatabaseService) CompleteJob(ctx context.Context, jobID, convertedName, convertedType, outputLocator string, asset *models.Asset, completedAt time.Time) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO assets (id, owner_id, name, type, size_bytes, storage_locator, thumbnail_locator, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		asset.ID, asset.OwnerID, asset.Name, asset.Type, asset.SizeBytes,
		asset.StorageLocator, asset.ThumbnailLocator, asset.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert derived asset: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE conversion_jobs
		 SET status = $1, converted_name = $2, converted_type = $3, output_locator = $4,
		     result_asset_id = $5, completed_at = $6, lease_expires_at = NULL
		 WHERE id = $7 AND status = $8`,
		models.JobCompleted, convertedName, convertedType, outputLocator,
		asset.ID, completedAt, jobID, models.JobProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s is not processing", jobID)
	}

	return tx.Commit()
}

func (d *DatabaseService) FailJob(ctx context.Context, id, errorMsg string, completedAt time.Time) error {
	query := `UPDATE conversion_jobs
		SET status = $1, error_message = $2, completed_at = $3, lease_expires_at = NULL
		WHERE id = $4 AND status = $5`
	_, err := d.db.ExecContext(ctx, query, models.JobFailed, errorMsg, completedAt, id, models.JobProcessing)
	return err
}

// ExpiredProcessingJobs returns processing jobs whose lease ran out. This
// is the authoritative source for lease recovery: it finds stuck jobs even
// when their queue item is gone, e.g. a worker that acked and then died.
func (d *DatabaseService) ExpiredProcessingJobs(ctx context.Context, now time.Time) ([]models.ConversionJob, error) {
	query := jobSelect + ` WHERE status = $1 AND lease_expires_at < $2`
	return d.queryJobs(ctx, query, models.JobProcessing, now)
}

// StalePendingJobs returns pending jobs created before the cutoff, i.e. jobs
// whose queue publish was likely lost. The recovery loop republishes them;
// the claim CAS makes a duplicate publish harmless.
func (d *DatabaseService) StalePendingJobs(ctx context.Context, cutoff time.Time) ([]models.ConversionJob, error) {
	query := jobSelect + ` WHERE status = $1 AND created_at < $2`
	return d.queryJobs(ctx, query, models.JobPending, cutoff)
}

func (d *DatabaseService) queryJobs(ctx context.Context, query string, args ...interface{}) ([]models.ConversionJob, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.ConversionJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}

const jobSelect = `SELECT id, owner_id, source_asset_id, original_name, original_type,
	converted_name, converted_type, status, source_locator, output_locator,
	result_asset_id, error_message, attempts, lease_expires_at, created_at, completed_at
	FROM conversion_jobs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAsset(row rowScanner) (*models.Asset, error) {
	var a models.Asset
	err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.Type, &a.SizeBytes,
		&a.StorageLocator, &a.ThumbnailLocator, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanJob(row rowScanner) (*models.ConversionJob, error) {
	var j models.ConversionJob
	err := row.Scan(&j.ID, &j.OwnerID, &j.SourceAssetID, &j.OriginalName, &j.OriginalType,
		&j.ConvertedName, &j.ConvertedType, &j.Status, &j.SourceLocator, &j.OutputLocator,
		&j.ResultAssetID, &j.ErrorMessage, &j.Attempts, &j.LeaseExpiresAt,
		&j.CreatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
