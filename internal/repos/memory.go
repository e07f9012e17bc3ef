package repos

import (
	"context"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/textops-io/textops/internal/types"
)

// MemoryRunRepo is a mutex-guarded RunRepository with the same
// compare-and-swap semantics as the gorm implementation. It exists for fast
// unit tests; the tx handle is ignored.
type MemoryRunRepo struct {
	mu     sync.Mutex
	runs   map[string]*types.Run
	events []*types.RunEvent
	inbox  map[[2]string]*types.InboxEntry
	nextID int64
}

func NewMemoryRunRepo() *MemoryRunRepo {
	return &MemoryRunRepo{
		runs:  map[string]*types.Run{},
		inbox: map[[2]string]*types.InboxEntry{},
	}
}

func (r *MemoryRunRepo) IsInboxProcessed(ctx context.Context, tx *gorm.DB, channelID, providerMessageID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inbox[[2]string{channelID, providerMessageID}]
	return ok, nil
}

func (r *MemoryRunRepo) MarkInboxProcessed(ctx context.Context, tx *gorm.DB, channelID, providerMessageID string, runID *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]string{channelID, providerMessageID}
	if _, ok := r.inbox[key]; ok {
		return ErrAlreadyProcessed
	}
	r.inbox[key] = &types.InboxEntry{
		ChannelID:         channelID,
		ProviderMessageID: providerMessageID,
		ProcessedAt:       time.Now(),
		RunID:             runID,
	}
	return nil
}

func (r *MemoryRunRepo) CreateRun(ctx context.Context, tx *gorm.DB, run *types.Run, events []*types.RunEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.RunID]; ok {
		return gorm.ErrDuplicatedKey
	}
	if run.Version == 0 {
		run.Version = 1
	}
	copied := *run
	r.runs[run.RunID] = &copied
	r.appendLocked(run.RunID, events)
	return nil
}

func (r *MemoryRunRepo) TryUpdateRun(ctx context.Context, tx *gorm.DB, runID string, expected types.RunStatus, next types.RunStatus, events []*types.RunEvent) (*types.Run, error) {
	return r.TryUpdateRunFromMultiple(ctx, tx, runID, []types.RunStatus{expected}, next, events)
}

func (r *MemoryRunRepo) TryUpdateRunFromMultiple(ctx context.Context, tx *gorm.DB, runID string, expected []types.RunStatus, next types.RunStatus, events []*types.RunEvent) (*types.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, nil
	}
	matched := false
	for _, s := range expected {
		if run.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return nil, nil
	}
	run.Status = next
	run.Version++
	run.UpdatedAt = time.Now()
	r.appendLocked(runID, events)
	copied := *run
	return &copied, nil
}

func (r *MemoryRunRepo) GetRun(ctx context.Context, tx *gorm.DB, runID string) (*types.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, nil
	}
	copied := *run
	return &copied, nil
}

func (r *MemoryRunRepo) GetTimeline(ctx context.Context, tx *gorm.DB, runID string) (*types.Run, []*types.RunEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, nil, nil
	}
	var events []*types.RunEvent
	for _, ev := range r.events {
		if ev.RunID == runID {
			copied := *ev
			events = append(events, &copied)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].At.Equal(events[j].At) {
			return events[i].ID < events[j].ID
		}
		return events[i].At.Before(events[j].At)
	})
	copied := *run
	return &copied, events, nil
}

func (r *MemoryRunRepo) GetRunStatus(ctx context.Context, tx *gorm.DB, runID string) (*types.RunStatus, error) {
	run, err := r.GetRun(ctx, tx, runID)
	if err != nil || run == nil {
		return nil, err
	}
	status := run.Status
	return &status, nil
}

func (r *MemoryRunRepo) ListRuns(ctx context.Context, tx *gorm.DB, status *types.RunStatus, limit int) ([]*types.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Run
	for _, run := range r.runs {
		if status != nil && run.Status != *status {
			continue
		}
		copied := *run
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRunRepo) appendLocked(runID string, events []*types.RunEvent) {
	for _, ev := range events {
		r.nextID++
		copied := *ev
		copied.ID = r.nextID
		copied.RunID = runID
		if copied.At.IsZero() {
			copied.At = time.Now()
		}
		ev.ID = copied.ID
		r.events = append(r.events, &copied)
	}
}

// MemoryExecutionQueue mirrors the durable queue's claim semantics under a
// single mutex.
type MemoryExecutionQueue struct {
	mu      sync.Mutex
	entries []*types.QueueEntry
	nextID  int64
}

func NewMemoryExecutionQueue() *MemoryExecutionQueue {
	return &MemoryExecutionQueue{}
}

func (q *MemoryExecutionQueue) Enqueue(ctx context.Context, tx *gorm.DB, runID, jobKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.RunID == runID && (e.Status == types.QueuePending || e.Status == types.QueueProcessing) {
			return nil
		}
	}
	q.nextID++
	q.entries = append(q.entries, &types.QueueEntry{
		ID:        q.nextID,
		RunID:     runID,
		JobKey:    jobKey,
		Status:    types.QueuePending,
		CreatedAt: time.Now(),
	})
	return nil
}

func (q *MemoryExecutionQueue) ClaimNext(ctx context.Context, tx *gorm.DB, workerID string) (*types.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.Status != types.QueuePending {
			continue
		}
		now := time.Now()
		e.Status = types.QueueProcessing
		e.LockedAt = &now
		e.LockedBy = workerID
		e.Attempts++
		copied := *e
		return &copied, nil
	}
	return nil, nil
}

func (q *MemoryExecutionQueue) Complete(ctx context.Context, tx *gorm.DB, id int64, success bool, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.findLocked(id)
	if e == nil || e.Status != types.QueueProcessing {
		return nil
	}
	if success {
		e.Status = types.QueueCompleted
	} else {
		e.Status = types.QueueFailed
	}
	now := time.Now()
	e.CompletedAt = &now
	e.LockedAt = nil
	e.LockedBy = ""
	e.LastError = errMsg
	return nil
}

func (q *MemoryExecutionQueue) Release(ctx context.Context, tx *gorm.DB, id int64, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.findLocked(id)
	if e == nil || e.Status != types.QueueProcessing {
		return nil
	}
	e.Status = types.QueuePending
	e.LockedAt = nil
	e.LockedBy = ""
	e.LastError = reason
	return nil
}

func (q *MemoryExecutionQueue) ReclaimStale(ctx context.Context, tx *gorm.DB, lockTimeout time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-lockTimeout)
	var count int64
	for _, e := range q.entries {
		if e.Status == types.QueueProcessing && e.LockedAt != nil && e.LockedAt.Before(cutoff) {
			e.Status = types.QueuePending
			e.LockedAt = nil
			e.LockedBy = ""
			e.LastError = "stale lock reclaimed"
			count++
		}
	}
	return count, nil
}

func (q *MemoryExecutionQueue) Get(ctx context.Context, tx *gorm.DB, id int64) (*types.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.findLocked(id)
	if e == nil {
		return nil, nil
	}
	copied := *e
	return &copied, nil
}

// BackdateLock rewinds an entry's locked_at, simulating a worker that died
// mid-claim. Test helper.
func (q *MemoryExecutionQueue) BackdateLock(id int64, by time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.findLocked(id)
	if e != nil && e.LockedAt != nil {
		backdated := e.LockedAt.Add(-by)
		e.LockedAt = &backdated
	}
}

func (q *MemoryExecutionQueue) findLocked(id int64) *types.QueueEntry {
	for _, e := range q.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}
