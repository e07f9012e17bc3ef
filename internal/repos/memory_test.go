package repos

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/textops-io/textops/internal/types"
)

func TestMemoryQueueConcurrentClaimsAreExclusive(t *testing.T) {
	queue := NewMemoryExecutionQueue()
	ctx := context.Background()

	const entries = 20
	for i := 0; i < entries; i++ {
		runID := string(rune('A'+i%26)) + "BC123"
		// Distinct run ids so every enqueue lands.
		if err := queue.Enqueue(ctx, nil, runID+string(rune('0'+i/26)), "demo"); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	claimed := map[int64]string{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				entry, err := queue.ClaimNext(ctx, nil, worker)
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if entry == nil {
					return
				}
				mu.Lock()
				if prev, ok := claimed[entry.ID]; ok {
					t.Errorf("entry %d claimed twice (by %s and %s)", entry.ID, prev, worker)
				}
				claimed[entry.ID] = worker
				mu.Unlock()
			}
		}("worker-" + string(rune('a'+w)))
	}
	wg.Wait()

	if len(claimed) != entries {
		t.Fatalf("claimed entries: want=%d got=%d", entries, len(claimed))
	}
}

func TestMemoryRunRepoConcurrentCASSingleWinner(t *testing.T) {
	repo := NewMemoryRunRepo()
	ctx := context.Background()

	run := &types.Run{
		RunID:     "ABC123",
		JobKey:    "demo",
		Status:    types.StatusAwaitingApproval,
		CreatedAt: time.Now(),
		Version:   1,
	}
	if err := repo.CreateRun(ctx, nil, run, nil); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	const callers = 16
	var wg sync.WaitGroup
	wins := make(chan *types.Run, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			updated, err := repo.TryUpdateRun(ctx, nil, "ABC123", types.StatusAwaitingApproval, types.StatusDispatching, []*types.RunEvent{
				{Type: types.EventRunApproved, At: time.Now(), Actor: "user:u"},
			})
			if err != nil {
				t.Errorf("TryUpdateRun: %v", err)
				return
			}
			if updated != nil {
				wins <- updated
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners int
	for range wins {
		winners++
	}
	if winners != 1 {
		t.Fatalf("winners: want=1 got=%d", winners)
	}

	got, events, err := repo.GetTimeline(ctx, nil, "ABC123")
	if err != nil {
		t.Fatalf("GetTimeline: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("version: want=2 got=%d", got.Version)
	}
	if len(events) != 1 {
		t.Fatalf("RunApproved events: want=1 got=%d", len(events))
	}
}

func TestMemoryQueueReclaimStale(t *testing.T) {
	queue := NewMemoryExecutionQueue()
	ctx := context.Background()

	if err := queue.Enqueue(ctx, nil, "ABC123", "demo"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	entry, err := queue.ClaimNext(ctx, nil, "w1")
	if err != nil || entry == nil {
		t.Fatalf("ClaimNext: entry=%v err=%v", entry, err)
	}
	queue.BackdateLock(entry.ID, 10*time.Minute)

	count, err := queue.ReclaimStale(ctx, nil, 5*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if count != 1 {
		t.Fatalf("reclaimed: want=1 got=%d", count)
	}
	again, err := queue.ClaimNext(ctx, nil, "w2")
	if err != nil || again == nil {
		t.Fatalf("claim after reclaim: entry=%v err=%v", again, err)
	}
	if again.Attempts != 2 {
		t.Fatalf("attempts: want=2 got=%d", again.Attempts)
	}
}
