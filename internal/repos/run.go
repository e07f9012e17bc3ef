package repos

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/textops-io/textops/internal/platform/logger"
	"github.com/textops-io/textops/internal/types"
)

// ErrAlreadyProcessed reports a duplicate inbox insert for the same
// (channel_id, provider_message_id).
var ErrAlreadyProcessed = errors.New("inbox entry already processed")

type RunRepository interface {
	IsInboxProcessed(ctx context.Context, tx *gorm.DB, channelID, providerMessageID string) (bool, error)
	MarkInboxProcessed(ctx context.Context, tx *gorm.DB, channelID, providerMessageID string, runID *string) error
	CreateRun(ctx context.Context, tx *gorm.DB, run *types.Run, events []*types.RunEvent) error
	// TryUpdateRun compare-and-swaps (run_id, status == expected) to next,
	// increments version and appends events in the same transaction. Returns
	// nil without side effects when the current status does not match.
	TryUpdateRun(ctx context.Context, tx *gorm.DB, runID string, expected types.RunStatus, next types.RunStatus, events []*types.RunEvent) (*types.Run, error)
	TryUpdateRunFromMultiple(ctx context.Context, tx *gorm.DB, runID string, expected []types.RunStatus, next types.RunStatus, events []*types.RunEvent) (*types.Run, error)
	GetRun(ctx context.Context, tx *gorm.DB, runID string) (*types.Run, error)
	GetTimeline(ctx context.Context, tx *gorm.DB, runID string) (*types.Run, []*types.RunEvent, error)
	GetRunStatus(ctx context.Context, tx *gorm.DB, runID string) (*types.RunStatus, error)
	ListRuns(ctx context.Context, tx *gorm.DB, status *types.RunStatus, limit int) ([]*types.Run, error)
}

type runRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRunRepo(db *gorm.DB, baseLog *logger.Logger) RunRepository {
	return &runRepo{
		db:  db,
		log: baseLog.With("repo", "RunRepo"),
	}
}

func (r *runRepo) IsInboxProcessed(ctx context.Context, tx *gorm.DB, channelID, providerMessageID string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(ctx).
		Model(&types.InboxEntry{}).
		Where("channel_id = ? AND provider_message_id = ?", channelID, providerMessageID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *runRepo) MarkInboxProcessed(ctx context.Context, tx *gorm.DB, channelID, providerMessageID string, runID *string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	entry := &types.InboxEntry{
		ChannelID:         channelID,
		ProviderMessageID: providerMessageID,
		ProcessedAt:       time.Now(),
		RunID:             runID,
	}
	if err := transaction.WithContext(ctx).Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyProcessed
		}
		return err
	}
	return nil
}

func (r *runRepo) CreateRun(ctx context.Context, tx *gorm.DB, run *types.Run, events []*types.RunEvent) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		if run.Version == 0 {
			run.Version = 1
		}
		if err := txx.Create(run).Error; err != nil {
			return err
		}
		return appendEvents(txx, run.RunID, events)
	})
}

func (r *runRepo) TryUpdateRun(ctx context.Context, tx *gorm.DB, runID string, expected types.RunStatus, next types.RunStatus, events []*types.RunEvent) (*types.Run, error) {
	return r.TryUpdateRunFromMultiple(ctx, tx, runID, []types.RunStatus{expected}, next, events)
}

func (r *runRepo) TryUpdateRunFromMultiple(ctx context.Context, tx *gorm.DB, runID string, expected []types.RunStatus, next types.RunStatus, events []*types.RunEvent) (*types.Run, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var updated *types.Run
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		now := time.Now()
		res := txx.Model(&types.Run{}).
			Where("run_id = ? AND status IN ?", runID, expected).
			Updates(map[string]interface{}{
				"status":     next,
				"version":    gorm.Expr("version + 1"),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		// The conditional update is the optimistic-concurrency check: a
		// concurrent transition moved the run first when no row matched.
		if res.RowsAffected != 1 {
			return nil
		}
		if err := appendEvents(txx, runID, events); err != nil {
			return err
		}
		var run types.Run
		if err := txx.Where("run_id = ?", runID).First(&run).Error; err != nil {
			return err
		}
		updated = &run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *runRepo) GetRun(ctx context.Context, tx *gorm.DB, runID string) (*types.Run, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var run types.Run
	err := transaction.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *runRepo) GetTimeline(ctx context.Context, tx *gorm.DB, runID string) (*types.Run, []*types.RunEvent, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	run, err := r.GetRun(ctx, transaction, runID)
	if err != nil || run == nil {
		return nil, nil, err
	}
	var events []*types.RunEvent
	err = transaction.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("at ASC, id ASC").
		Find(&events).Error
	if err != nil {
		return nil, nil, err
	}
	return run, events, nil
}

func (r *runRepo) GetRunStatus(ctx context.Context, tx *gorm.DB, runID string) (*types.RunStatus, error) {
	run, err := r.GetRun(ctx, tx, runID)
	if err != nil || run == nil {
		return nil, err
	}
	status := run.Status
	return &status, nil
}

func (r *runRepo) ListRuns(ctx context.Context, tx *gorm.DB, status *types.RunStatus, limit int) ([]*types.Run, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(ctx).Model(&types.Run{}).Order("created_at DESC")
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*types.Run
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func appendEvents(tx *gorm.DB, runID string, events []*types.RunEvent) error {
	if len(events) == 0 {
		return nil
	}
	for _, ev := range events {
		ev.RunID = runID
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
	}
	return tx.Create(&events).Error
}
