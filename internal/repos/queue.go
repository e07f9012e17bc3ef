package repos

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/textops-io/textops/internal/platform/logger"
	"github.com/textops-io/textops/internal/types"
)

// ExecutionQueue is the durable dispatch queue between approval and the
// worker pool. Entries are claimed by at most one worker at a time.
type ExecutionQueue interface {
	// Enqueue is idempotent per run: a run with a pending or processing
	// entry is never enqueued twice.
	Enqueue(ctx context.Context, tx *gorm.DB, runID, jobKey string) error
	ClaimNext(ctx context.Context, tx *gorm.DB, workerID string) (*types.QueueEntry, error)
	Complete(ctx context.Context, tx *gorm.DB, id int64, success bool, errMsg string) error
	Release(ctx context.Context, tx *gorm.DB, id int64, reason string) error
	ReclaimStale(ctx context.Context, tx *gorm.DB, lockTimeout time.Duration) (int64, error)
	Get(ctx context.Context, tx *gorm.DB, id int64) (*types.QueueEntry, error)
}

type executionQueue struct {
	db         *gorm.DB
	log        *logger.Logger
	skipLocked bool
}

func NewExecutionQueue(db *gorm.DB, baseLog *logger.Logger) ExecutionQueue {
	return &executionQueue{
		db:  db,
		log: baseLog.With("repo", "ExecutionQueue"),
		// sqlite has no row locks; there the conditional update alone
		// arbitrates concurrent claims.
		skipLocked: db.Dialector.Name() == "postgres",
	}
}

func (q *executionQueue) Enqueue(ctx context.Context, tx *gorm.DB, runID, jobKey string) error {
	transaction := tx
	if transaction == nil {
		transaction = q.db
	}
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var count int64
		err := txx.Model(&types.QueueEntry{}).
			Where("run_id = ? AND status IN ?", runID, []types.QueueStatus{types.QueuePending, types.QueueProcessing}).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			q.log.Debug("Run already queued, skipping enqueue", "run_id", runID)
			return nil
		}
		entry := &types.QueueEntry{
			RunID:     runID,
			JobKey:    jobKey,
			Status:    types.QueuePending,
			CreatedAt: time.Now(),
			Attempts:  0,
		}
		if err := txx.Create(entry).Error; err != nil {
			// The partial unique index on active run_id closes the race
			// between two concurrent enqueues.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil
			}
			return err
		}
		return nil
	})
}

func (q *executionQueue) ClaimNext(ctx context.Context, tx *gorm.DB, workerID string) (*types.QueueEntry, error) {
	transaction := tx
	if transaction == nil {
		transaction = q.db
	}
	now := time.Now()
	var claimed *types.QueueEntry
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		query := txx
		if q.skipLocked {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var entry types.QueueEntry
		qErr := query.
			Where("status = ?", types.QueuePending).
			Order("id ASC").
			First(&entry).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		// Re-check status in the update itself; on dialects where SKIP
		// LOCKED is not honored the affected-row count detects collisions.
		res := txx.Model(&types.QueueEntry{}).
			Where("id = ? AND status = ?", entry.ID, types.QueuePending).
			Updates(map[string]interface{}{
				"status":    types.QueueProcessing,
				"locked_at": now,
				"locked_by": workerID,
				"attempts":  gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}
		entry.Status = types.QueueProcessing
		entry.LockedAt = &now
		entry.LockedBy = workerID
		entry.Attempts++
		claimed = &entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *executionQueue) Complete(ctx context.Context, tx *gorm.DB, id int64, success bool, errMsg string) error {
	transaction := tx
	if transaction == nil {
		transaction = q.db
	}
	status := types.QueueCompleted
	if !success {
		status = types.QueueFailed
	}
	now := time.Now()
	res := transaction.WithContext(ctx).
		Model(&types.QueueEntry{}).
		Where("id = ? AND status = ?", id, types.QueueProcessing).
		Updates(map[string]interface{}{
			"status":       status,
			"completed_at": now,
			"locked_at":    nil,
			"locked_by":    "",
			"last_error":   errMsg,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		q.log.Warn("Complete on unknown or non-processing queue entry", "id", id, "success", success)
	}
	return nil
}

func (q *executionQueue) Release(ctx context.Context, tx *gorm.DB, id int64, reason string) error {
	transaction := tx
	if transaction == nil {
		transaction = q.db
	}
	res := transaction.WithContext(ctx).
		Model(&types.QueueEntry{}).
		Where("id = ? AND status = ?", id, types.QueueProcessing).
		Updates(map[string]interface{}{
			"status":     types.QueuePending,
			"locked_at":  nil,
			"locked_by":  "",
			"last_error": reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		q.log.Warn("Release on unknown or non-processing queue entry", "id", id)
	}
	return nil
}

func (q *executionQueue) ReclaimStale(ctx context.Context, tx *gorm.DB, lockTimeout time.Duration) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = q.db
	}
	cutoff := time.Now().Add(-lockTimeout)
	res := transaction.WithContext(ctx).
		Model(&types.QueueEntry{}).
		Where("status = ? AND locked_at IS NOT NULL AND locked_at < ?", types.QueueProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":     types.QueuePending,
			"locked_at":  nil,
			"locked_by":  "",
			"last_error": "stale lock reclaimed",
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		q.log.Info("Reclaimed stale queue entries", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

func (q *executionQueue) Get(ctx context.Context, tx *gorm.DB, id int64) (*types.QueueEntry, error) {
	transaction := tx
	if transaction == nil {
		transaction = q.db
	}
	var entry types.QueueEntry
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
