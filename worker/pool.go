package worker

import (
	"context"
	"errors"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshhub/config"
	"meshhub/models"
	"meshhub/queue"
)

// Ledger is the slice of the job ledger the workers need. All transitions
// are conditional single-row updates, which is what makes duplicate
// deliveries under at-least-once queue semantics safe to drop.
type Ledger interface {
	GetJob(ctx context.Context, id string) (*models.ConversionJob, error)
	ClaimPending(ctx context.Context, id string, leaseExpiry time.Time) (bool, error)
	ExtendLease(ctx context.Context, id string, leaseExpiry time.Time) (bool, error)
	CompleteJob(ctx context.Context, jobID, convertedName, convertedType, outputLocator string, asset *models.Asset, completedAt time.Time) error
	FailJob(ctx context.Context, id, errorMsg string, completedAt time.Time) error
	ExpiredProcessingJobs(ctx context.Context, now time.Time) ([]models.ConversionJob, error)
	StalePendingJobs(ctx context.Context, cutoff time.Time) ([]models.ConversionJob, error)
}

type Engine interface {
	Convert(ctx context.Context, storagePath, outputFormat string) (*models.ConversionResult, error)
}

type Dispatch interface {
	Publish(ctx context.Context, item models.WorkItem) error
	Pull(ctx context.Context, timeout time.Duration) (string, models.WorkItem, error)
	Ack(ctx context.Context, raw string) error
	Bury(ctx context.Context, raw string) error
	ProcessingSnapshot(ctx context.Context) ([]string, error)
}

type Pool struct {
	cfg    *config.Config
	queue  Dispatch
	ledger Ledger
	engine Engine
	log    *zap.SugaredLogger
}

func NewPool(cfg *config.Config, q Dispatch, ledger Ledger, engine Engine, log *zap.SugaredLogger) *Pool {
	return &Pool{
		cfg:    cfg,
		queue:  q,
		ledger: ledger,
		engine: engine,
		log:    log,
	}
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	p.log.Infof("worker %d starting", workerID)

	for {
		select {
		case <-ctx.Done():
			p.log.Infof("worker %d shutting down", workerID)
			return
		default:
			raw, item, err := p.queue.Pull(ctx, 30*time.Second)
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				p.log.Errorf("worker %d: pull failed: %v", workerID, err)
				time.Sleep(5 * time.Second)
				continue
			}

			p.processJob(ctx, workerID, raw, item)
		}
	}
}

func (p *Pool) processJob(ctx context.Context, workerID int, raw string, item models.WorkItem) {
	p.log.Infof("worker %d: processing job %s (attempt %d)", workerID, item.JobID, item.Attempt)

	leaseExpiry := time.Now().Add(p.cfg.LeaseDuration)

	// First deliveries must win the pending->processing claim; retry and
	// recovery redeliveries renew the lease instead. Either way, losing the
	// conditional update means the item is a duplicate or the job is
	// already terminal, and the delivery is dropped.
	var claimed bool
	var err error
	if item.Attempt == 0 {
		claimed, err = p.ledger.ClaimPending(ctx, item.JobID, leaseExpiry)
	} else {
		claimed, err = p.ledger.ExtendLease(ctx, item.JobID, leaseExpiry)
	}
	if err != nil {
		p.log.Errorf("worker %d: claim of job %s failed: %v", workerID, item.JobID, err)
		time.Sleep(time.Second)
		return
	}
	if !claimed {
		p.log.Infof("worker %d: dropping duplicate delivery of job %s", workerID, item.JobID)
		p.ack(ctx, raw)
		return
	}

	job, err := p.ledger.GetJob(ctx, item.JobID)
	if err != nil {
		// Leave the item in the processing list; the recovery sweep picks
		// the job up again once its lease expires.
		p.log.Errorf("worker %d: failed to load job %s: %v", workerID, item.JobID, err)
		return
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, p.cfg.ConversionTimeout)
	defer cancel()

	startTime := time.Now()

	result, err := p.engine.Convert(timeoutCtx, item.SourceLocator, item.TargetFormat)
	if err != nil {
		p.handleJobFailure(ctx, workerID, job, raw, item, err.Error())
		return
	}

	now := time.Now()
	convertedName := path.Base(result.ConvertedPath)
	derived := &models.Asset{
		ID:             uuid.NewString(),
		OwnerID:        job.OwnerID,
		Name:           convertedName,
		Type:           result.Format,
		SizeBytes:      result.SizeBytes,
		StorageLocator: result.ConvertedPath,
		CreatedAt:      now,
	}

	if err := p.ledger.CompleteJob(ctx, job.ID, convertedName, result.Format, result.ConvertedPath, derived, now); err != nil {
		// The transaction rolled back, so the job is still processing. Keep
		// the item unacked and let the lease expiry drive a redelivery.
		p.log.Errorf("worker %d: failed to complete job %s: %v", workerID, job.ID, err)
		return
	}

	p.ack(ctx, raw)
	p.log.Infof("worker %d: job %s completed in %.2fs", workerID, job.ID, time.Since(startTime).Seconds())
}

func (p *Pool) handleJobFailure(ctx context.Context, workerID int, job *models.ConversionJob, raw string, item models.WorkItem, errorMsg string) {
	p.log.Warnf("worker %d: job %s failed: %s", workerID, job.ID, errorMsg)

	if item.Attempt < p.cfg.MaxRetries {
		p.ack(ctx, raw)

		retry := item
		retry.Attempt++
		retry.EnqueuedAt = time.Now()

		delay := p.backoffDelay(retry.Attempt)
		time.AfterFunc(delay, func() {
			if err := p.queue.Publish(context.Background(), retry); err != nil {
				p.log.Errorf("worker %d: failed to requeue job %s: %v", workerID, job.ID, err)
			}
		})
		p.log.Infof("worker %d: scheduled retry %d/%d for job %s in %v",
			workerID, retry.Attempt, p.cfg.MaxRetries, job.ID, delay)
		return
	}

	if err := p.ledger.FailJob(ctx, job.ID, errorMsg, time.Now()); err != nil {
		p.log.Errorf("worker %d: failed to mark job %s failed: %v", workerID, job.ID, err)
	}
	if err := p.queue.Bury(ctx, raw); err != nil {
		p.log.Errorf("worker %d: failed to bury job %s: %v", workerID, job.ID, err)
	}
	p.log.Warnf("worker %d: job %s moved to failed queue after %d retries", workerID, job.ID, p.cfg.MaxRetries)
}

func (p *Pool) backoffDelay(attempt int) time.Duration {
	delay := p.cfg.RetryBackoffBase << attempt
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}

func (p *Pool) ack(ctx context.Context, raw string) {
	if err := p.queue.Ack(ctx, raw); err != nil {
		p.log.Errorf("failed to ack work item: %v", err)
	}
}

// RecoveryLoop periodically requeues work abandoned by crashed workers and
// republishes pending jobs whose original publish was lost.
func (p *Pool) RecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RecoveryInterval)
	defer ticker.Stop()

	p.log.Info("recovery: starting stale job recovery loop")

	for {
		select {
		case <-ctx.Done():
			p.log.Info("recovery: shutting down")
			return
		case <-ticker.C:
			p.recoverOnce(ctx, time.Now())
		}
	}
}

func (p *Pool) recoverOnce(ctx context.Context, now time.Time) {
	p.recoverAbandoned(ctx, now)
	p.recoverExpiredLeases(ctx, now)
	p.republishStalePending(ctx, now)
}

// recoverAbandoned scans the processing list for deliveries whose worker
// died before acking and prunes them. Requeue-or-fail decisions for expired
// leases live in recoverExpiredLeases, which works off the ledger and so
// also sees jobs whose queue item is already gone.
func (p *Pool) recoverAbandoned(ctx context.Context, now time.Time) {
	raws, err := p.queue.ProcessingSnapshot(ctx)
	if err != nil {
		p.log.Errorf("recovery: failed to read processing queue: %v", err)
		return
	}

	recovered := 0
	for _, raw := range raws {
		item, err := models.DecodeWorkItem(raw)
		if err != nil {
			p.ack(ctx, raw)
			continue
		}

		job, err := p.ledger.GetJob(ctx, item.JobID)
		if errors.Is(err, models.ErrNotFound) {
			p.ack(ctx, raw)
			continue
		}
		if err != nil {
			continue
		}

		switch {
		case job.Status.Terminal():
			// Worker finished but crashed before acking.
			p.ack(ctx, raw)

		case job.Status == models.JobPending:
			// Pulled but never claimed. Requeue once the delivery is
			// clearly abandoned; the claim guards against a live duplicate.
			if now.Sub(item.EnqueuedAt) > p.cfg.LeaseDuration {
				p.ack(ctx, raw)
				p.republish(ctx, item, 0, now)
				recovered++
			}

		case job.LeaseExpiresAt != nil && now.After(*job.LeaseExpiresAt):
			// Dead delivery. Drop it here; the expired-lease sweep below
			// decides whether the job is requeued or failed.
			p.ack(ctx, raw)
		}
	}

	if recovered > 0 {
		p.log.Infof("recovery: requeued %d stale jobs", recovered)
	}
}

// recoverExpiredLeases requeues or fails processing jobs whose lease ran
// out. Driving this off the ledger rather than the processing list means a
// job stuck in processing is recovered even when no queue item survived,
// e.g. after an ack raced a worker crash.
func (p *Pool) recoverExpiredLeases(ctx context.Context, now time.Time) {
	jobs, err := p.ledger.ExpiredProcessingJobs(ctx, now)
	if err != nil {
		p.log.Errorf("recovery: failed to list expired processing jobs: %v", err)
		return
	}

	for _, job := range jobs {
		if job.Attempts > p.cfg.MaxRetries {
			if err := p.ledger.FailJob(ctx, job.ID, "processing lease expired", now); err != nil {
				p.log.Errorf("recovery: failed to fail job %s: %v", job.ID, err)
			}
			continue
		}

		// Take a fresh lease before republishing so the next sweep does
		// not requeue the same job while the redelivery sits in pending.
		renewed, err := p.ledger.ExtendLease(ctx, job.ID, now.Add(p.cfg.LeaseDuration))
		if err != nil {
			p.log.Errorf("recovery: failed to renew lease for job %s: %v", job.ID, err)
			continue
		}
		if !renewed {
			continue
		}

		item := models.WorkItem{
			JobID:         job.ID,
			SourceLocator: job.SourceLocator,
			TargetFormat:  job.ConvertedType,
		}
		p.republish(ctx, item, job.Attempts+1, now)
		p.log.Infof("recovery: requeued job %s with expired lease", job.ID)
	}
}

// republishStalePending covers the submission failure mode where the ledger
// row was inserted but the queue publish never happened: without this sweep
// such jobs would stay pending forever.
func (p *Pool) republishStalePending(ctx context.Context, now time.Time) {
	jobs, err := p.ledger.StalePendingJobs(ctx, now.Add(-p.cfg.PendingGracePeriod))
	if err != nil {
		p.log.Errorf("recovery: failed to list stale pending jobs: %v", err)
		return
	}

	for _, job := range jobs {
		item := models.WorkItem{
			JobID:         job.ID,
			SourceLocator: job.SourceLocator,
			TargetFormat:  job.ConvertedType,
			Attempt:       0,
			EnqueuedAt:    now,
		}
		if err := p.queue.Publish(ctx, item); err != nil {
			p.log.Errorf("recovery: failed to republish job %s: %v", job.ID, err)
			continue
		}
		p.log.Infof("recovery: republished stale pending job %s", job.ID)
	}
}

func (p *Pool) republish(ctx context.Context, item models.WorkItem, attempt int, now time.Time) {
	item.Attempt = attempt
	item.EnqueuedAt = now
	if err := p.queue.Publish(ctx, item); err != nil {
		p.log.Errorf("recovery: failed to requeue job %s: %v", item.JobID, err)
	}
}
