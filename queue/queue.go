package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"meshhub/models"
)

// ErrEmpty is returned by Pull when no work arrived within the block window.
var ErrEmpty = errors.New("queue: no work available")

// Queue is the dispatch channel between job submission and workers, built on
// Redis lists. Pull atomically moves an item from the pending list to the
// processing list (BRPOPLPUSH), so an item survives a worker crash and can be
// found by the recovery sweep until it is acked.
type Queue struct {
	rc         *redis.Client
	pending    string
	processing string
	failed     string
}

func New(rc *redis.Client, pending, processing, failed string) *Queue {
	return &Queue{
		rc:         rc,
		pending:    pending,
		processing: processing,
		failed:     failed,
	}
}

func (q *Queue) Publish(ctx context.Context, item models.WorkItem) error {
	raw, err := models.EncodeWorkItem(item)
	if err != nil {
		return err
	}
	if err := q.rc.LPush(ctx, q.pending, raw).Err(); err != nil {
		return fmt.Errorf("queue publish: %w", err)
	}
	return nil
}

// Pull blocks up to timeout for the next work item. The raw payload is
// returned alongside the decoded item; Ack and Bury need it verbatim to
// remove the exact list entry.
func (q *Queue) Pull(ctx context.Context, timeout time.Duration) (string, models.WorkItem, error) {
	raw, err := q.rc.BRPopLPush(ctx, q.pending, q.processing, timeout).Result()
	if err == redis.Nil {
		return "", models.WorkItem{}, ErrEmpty
	}
	if err != nil {
		return "", models.WorkItem{}, fmt.Errorf("queue pull: %w", err)
	}

	item, err := models.DecodeWorkItem(raw)
	if err != nil {
		// Malformed payloads must not wedge the processing list.
		q.rc.LRem(ctx, q.processing, 1, raw)
		return "", models.WorkItem{}, err
	}
	return raw, item, nil
}

// Ack removes a delivered item from the processing list.
func (q *Queue) Ack(ctx context.Context, raw string) error {
	return q.rc.LRem(ctx, q.processing, 1, raw).Err()
}

// Bury moves a terminally failed item to the failed list for inspection.
func (q *Queue) Bury(ctx context.Context, raw string) error {
	if err := q.rc.LRem(ctx, q.processing, 1, raw).Err(); err != nil {
		return err
	}
	return q.rc.LPush(ctx, q.failed, raw).Err()
}

// ProcessingSnapshot returns the raw payloads currently sitting in the
// processing list; the recovery sweep uses it to find abandoned deliveries.
func (q *Queue) ProcessingSnapshot(ctx context.Context) ([]string, error) {
	return q.rc.LRange(ctx, q.processing, 0, -1).Result()
}
