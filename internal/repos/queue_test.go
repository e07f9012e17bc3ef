package repos

import (
	"context"
	"testing"
	"time"

	"github.com/textops-io/textops/internal/types"
)

func TestQueueEnqueueIdempotentPerRun(t *testing.T) {
	db := openTestDB(t)
	queue := NewExecutionQueue(db, testLogger(t))
	ctx := context.Background()

	if err := queue.Enqueue(ctx, nil, "ABC123", "demo"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := queue.Enqueue(ctx, nil, "ABC123", "demo"); err != nil {
		t.Fatalf("Enqueue duplicate: %v", err)
	}
	var count int64
	if err := db.Model(&types.QueueEntry{}).Where("run_id = ?", "ABC123").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("entries: want=1 got=%d", count)
	}

	// A completed entry no longer blocks a new enqueue for the run.
	entry, err := queue.ClaimNext(ctx, nil, "w1")
	if err != nil || entry == nil {
		t.Fatalf("ClaimNext: entry=%v err=%v", entry, err)
	}
	if err := queue.Complete(ctx, nil, entry.ID, true, ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := queue.Enqueue(ctx, nil, "ABC123", "demo"); err != nil {
		t.Fatalf("Enqueue after complete: %v", err)
	}
	if err := db.Model(&types.QueueEntry{}).Where("run_id = ?", "ABC123").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("entries after complete: want=2 got=%d", count)
	}
}

func TestQueueClaimOldestFirst(t *testing.T) {
	queue := NewExecutionQueue(openTestDB(t), testLogger(t))
	ctx := context.Background()

	if err := queue.Enqueue(ctx, nil, "AAA111", "first"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := queue.Enqueue(ctx, nil, "BBB222", "second"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	entry, err := queue.ClaimNext(ctx, nil, "w1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if entry == nil || entry.RunID != "AAA111" {
		t.Fatalf("first claim: want=AAA111 got=%+v", entry)
	}
	if entry.Status != types.QueueProcessing {
		t.Fatalf("claimed status: want=processing got=%s", entry.Status)
	}
	if entry.Attempts != 1 {
		t.Fatalf("attempts: want=1 got=%d", entry.Attempts)
	}
	if entry.LockedBy != "w1" || entry.LockedAt == nil {
		t.Fatalf("lock fields not set: %+v", entry)
	}

	second, err := queue.ClaimNext(ctx, nil, "w2")
	if err != nil {
		t.Fatalf("ClaimNext second: %v", err)
	}
	if second == nil || second.RunID != "BBB222" {
		t.Fatalf("second claim: want=BBB222 got=%+v", second)
	}

	empty, err := queue.ClaimNext(ctx, nil, "w3")
	if err != nil {
		t.Fatalf("ClaimNext empty: %v", err)
	}
	if empty != nil {
		t.Fatalf("empty claim: want=nil got=%+v", empty)
	}
}

func TestQueueCompleteUnknownIDIsNoop(t *testing.T) {
	queue := NewExecutionQueue(openTestDB(t), testLogger(t))
	if err := queue.Complete(context.Background(), nil, 9999, true, ""); err != nil {
		t.Fatalf("Complete unknown id: %v", err)
	}
}

func TestQueueReleaseRetainsAttempts(t *testing.T) {
	db := openTestDB(t)
	queue := NewExecutionQueue(db, testLogger(t))
	ctx := context.Background()

	if err := queue.Enqueue(ctx, nil, "ABC123", "demo"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	entry, err := queue.ClaimNext(ctx, nil, "w1")
	if err != nil || entry == nil {
		t.Fatalf("ClaimNext: entry=%v err=%v", entry, err)
	}
	if err := queue.Release(ctx, nil, entry.ID, "transient error"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	var reloaded types.QueueEntry
	if err := db.First(&reloaded, entry.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != types.QueuePending {
		t.Fatalf("status: want=pending got=%s", reloaded.Status)
	}
	if reloaded.Attempts != 1 {
		t.Fatalf("attempts: want=1 got=%d", reloaded.Attempts)
	}
	if reloaded.LockedAt != nil || reloaded.LockedBy != "" {
		t.Fatalf("lock fields not cleared: %+v", reloaded)
	}
	if reloaded.LastError != "transient error" {
		t.Fatalf("last_error: want=%q got=%q", "transient error", reloaded.LastError)
	}

	// Re-claim increments attempts again.
	again, err := queue.ClaimNext(ctx, nil, "w2")
	if err != nil || again == nil {
		t.Fatalf("re-claim: entry=%v err=%v", again, err)
	}
	if again.Attempts != 2 {
		t.Fatalf("attempts after re-claim: want=2 got=%d", again.Attempts)
	}
}

func TestQueueReclaimStale(t *testing.T) {
	db := openTestDB(t)
	queue := NewExecutionQueue(db, testLogger(t))
	ctx := context.Background()

	if err := queue.Enqueue(ctx, nil, "ABC123", "demo"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	entry, err := queue.ClaimNext(ctx, nil, "w1")
	if err != nil || entry == nil {
		t.Fatalf("ClaimNext: entry=%v err=%v", entry, err)
	}

	// A fresh lock is not reclaimed.
	count, err := queue.ReclaimStale(ctx, nil, 5*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if count != 0 {
		t.Fatalf("reclaim fresh: want=0 got=%d", count)
	}

	// Backdate the lock past the timeout, as if w1 died.
	backdated := time.Now().Add(-10 * time.Minute)
	err = db.Model(&types.QueueEntry{}).Where("id = ?", entry.ID).Update("locked_at", backdated).Error
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}
	count, err = queue.ReclaimStale(ctx, nil, 5*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStale stale: %v", err)
	}
	if count != 1 {
		t.Fatalf("reclaim stale: want=1 got=%d", count)
	}

	again, err := queue.ClaimNext(ctx, nil, "w2")
	if err != nil || again == nil {
		t.Fatalf("claim after reclaim: entry=%v err=%v", again, err)
	}
	if again.RunID != "ABC123" || again.Attempts != 2 {
		t.Fatalf("reclaimed entry: %+v", again)
	}
	if err := queue.Complete(ctx, nil, again.ID, true, ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	var reloaded types.QueueEntry
	if err := db.First(&reloaded, again.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != types.QueueCompleted || reloaded.CompletedAt == nil {
		t.Fatalf("completed entry: %+v", reloaded)
	}
}
