package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/textops-io/textops/internal/intent"
	"github.com/textops-io/textops/internal/platform/logger"
	"github.com/textops-io/textops/internal/repos"
	"github.com/textops-io/textops/internal/services"
	"github.com/textops-io/textops/internal/types"
)

type fakeExecutor struct {
	fn func(ctx context.Context, dispatch types.ExecutionDispatch, workerID string) (*services.OrchestratorResult, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, dispatch types.ExecutionDispatch, workerID string) (*services.OrchestratorResult, error) {
	return f.fn(ctx, dispatch, workerID)
}

type captureSink struct {
	mu       sync.Mutex
	messages []types.OutboundMessage
}

func (c *captureSink) Deliver(ctx context.Context, msg types.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

func (c *captureSink) all() []types.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.OutboundMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func newWorkerHarness(t *testing.T, executor ExecutorPlugin, cfg WorkerConfig) (*Worker, *repos.MemoryExecutionQueue, *captureSink) {
	t.Helper()
	queue := repos.NewMemoryExecutionQueue()
	sink := &captureSink{}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "w-test"
	}
	return NewWorker(queue, executor, sink, testLog(t), cfg), queue, sink
}

func claim(t *testing.T, queue *repos.MemoryExecutionQueue, runID, jobKey, workerID string) *types.QueueEntry {
	t.Helper()
	ctx := context.Background()
	if err := queue.Enqueue(ctx, nil, runID, jobKey); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	entry, err := queue.ClaimNext(ctx, nil, workerID)
	if err != nil || entry == nil {
		t.Fatalf("ClaimNext: entry=%v err=%v", entry, err)
	}
	return entry
}

func TestWorkerProcessSuccessDeliversAndCompletes(t *testing.T) {
	executor := &fakeExecutor{fn: func(ctx context.Context, d types.ExecutionDispatch, workerID string) (*services.OrchestratorResult, error) {
		return &services.OrchestratorResult{
			RunID: d.RunID,
			Outbound: []types.OutboundMessage{{
				ChannelID: "dev",
				Body:      "Run " + d.RunID + " succeeded: ok",
			}},
		}, nil
	}}
	worker, queue, sink := newWorkerHarness(t, executor, WorkerConfig{})
	entry := claim(t, queue, "ABC123", "demo", "w-test")

	worker.process(context.Background(), entry)

	got := sink.all()
	if len(got) != 1 || !strings.Contains(got[0].Body, "ABC123 succeeded") {
		t.Fatalf("delivered outbound: %+v", got)
	}
	reloaded, err := queue.Get(context.Background(), nil, entry.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reloaded.Status != types.QueueCompleted {
		t.Fatalf("status: want=completed got=%s", reloaded.Status)
	}
	if reloaded.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
}

func TestWorkerProcessReleasesForRetryUnderMaxAttempts(t *testing.T) {
	executor := &fakeExecutor{fn: func(ctx context.Context, d types.ExecutionDispatch, workerID string) (*services.OrchestratorResult, error) {
		return nil, errors.New("transient failure")
	}}
	worker, queue, sink := newWorkerHarness(t, executor, WorkerConfig{
		MaxAttempts:     3,
		ErrorRetryDelay: time.Millisecond,
	})
	entry := claim(t, queue, "ABC123", "demo", "w-test")

	worker.process(context.Background(), entry)

	if len(sink.all()) != 0 {
		t.Fatalf("no outbound expected on failure")
	}
	reloaded, err := queue.Get(context.Background(), nil, entry.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reloaded.Status != types.QueuePending {
		t.Fatalf("status: want=pending got=%s", reloaded.Status)
	}
	if reloaded.Attempts != 1 {
		t.Fatalf("attempts: want=1 got=%d", reloaded.Attempts)
	}
	if reloaded.LastError != "transient failure" {
		t.Fatalf("last_error: %q", reloaded.LastError)
	}
}

func TestWorkerProcessFailsTerminallyAtMaxAttempts(t *testing.T) {
	executor := &fakeExecutor{fn: func(ctx context.Context, d types.ExecutionDispatch, workerID string) (*services.OrchestratorResult, error) {
		return nil, errors.New("persistent failure")
	}}
	worker, queue, _ := newWorkerHarness(t, executor, WorkerConfig{
		MaxAttempts:     1,
		ErrorRetryDelay: time.Millisecond,
	})
	entry := claim(t, queue, "ABC123", "demo", "w-test")

	worker.process(context.Background(), entry)

	reloaded, err := queue.Get(context.Background(), nil, entry.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reloaded.Status != types.QueueFailed {
		t.Fatalf("status: want=failed got=%s", reloaded.Status)
	}
	if reloaded.LastError != "persistent failure" {
		t.Fatalf("last_error: %q", reloaded.LastError)
	}
}

func TestWorkerProcessReleasesOnShutdown(t *testing.T) {
	executor := &fakeExecutor{fn: func(ctx context.Context, d types.ExecutionDispatch, workerID string) (*services.OrchestratorResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	worker, queue, _ := newWorkerHarness(t, executor, WorkerConfig{MaxAttempts: 3})
	entry := claim(t, queue, "ABC123", "demo", "w-test")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	worker.process(ctx, entry)

	reloaded, err := queue.Get(context.Background(), nil, entry.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reloaded.Status != types.QueuePending {
		t.Fatalf("status after shutdown: want=pending got=%s", reloaded.Status)
	}
	if reloaded.LastError != "shutdown" {
		t.Fatalf("last_error: %q", reloaded.LastError)
	}
}

func TestWorkerProcessRecoversExecutorPanic(t *testing.T) {
	executor := &fakeExecutor{fn: func(ctx context.Context, d types.ExecutionDispatch, workerID string) (*services.OrchestratorResult, error) {
		panic("boom")
	}}
	worker, queue, _ := newWorkerHarness(t, executor, WorkerConfig{
		MaxAttempts:     1,
		ErrorRetryDelay: time.Millisecond,
	})
	entry := claim(t, queue, "ABC123", "demo", "w-test")

	worker.process(context.Background(), entry)

	reloaded, err := queue.Get(context.Background(), nil, entry.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reloaded.Status != types.QueueFailed {
		t.Fatalf("status: want=failed got=%s", reloaded.Status)
	}
	if reloaded.LastError != "executor panic" {
		t.Fatalf("last_error: %q", reloaded.LastError)
	}
}

func newOrchestratorHarness(t *testing.T) (services.Orchestrator, *repos.MemoryRunRepo) {
	t.Helper()
	repo := repos.NewMemoryRunRepo()
	return services.NewOrchestrator(repos.NewNoopTxRunner(), repo, testLog(t)), repo
}

func approveRun(t *testing.T, orch services.Orchestrator, jobKey string) string {
	t.Helper()
	ctx := context.Background()
	msg := types.InboundMessage{
		ChannelID: "dev", ConversationID: "dev:u", From: "dev:u",
		Body: "run " + jobKey, ProviderMessageID: "m-run-" + jobKey,
	}
	res, err := orch.HandleInbound(ctx, msg, intent.Parse(msg.Body))
	if err != nil || res.RunID == "" {
		t.Fatalf("run command: res=%+v err=%v", res, err)
	}
	runID := res.RunID
	msg = types.InboundMessage{
		ChannelID: "dev", ConversationID: "dev:u", From: "dev:u",
		Body: "yes " + runID, ProviderMessageID: "m-yes-" + jobKey,
	}
	res, err = orch.HandleInbound(ctx, msg, intent.Parse(msg.Body))
	if err != nil || !res.DispatchedExecution {
		t.Fatalf("approve command: res=%+v err=%v", res, err)
	}
	return runID
}

func TestStubExecutorDrivesRunToSucceeded(t *testing.T) {
	orch, repo := newOrchestratorHarness(t)
	runID := approveRun(t, orch, "demo")

	executor := &StubExecutor{Orchestrator: orch, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	res, err := executor.Execute(context.Background(), types.ExecutionDispatch{RunID: runID, JobKey: "demo"}, "w1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Outbound) != 1 || res.Outbound[0].Body != "Run "+runID+" succeeded: Job 'demo' completed successfully" {
		t.Fatalf("outbound: %+v", res.Outbound)
	}
	run, err := repo.GetRun(context.Background(), nil, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != types.StatusSucceeded {
		t.Fatalf("status: want=Succeeded got=%s", run.Status)
	}
}

func TestStubExecutorFailingJobKey(t *testing.T) {
	orch, repo := newOrchestratorHarness(t)
	runID := approveRun(t, orch, "deploy-fail")

	executor := &StubExecutor{Orchestrator: orch, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	res, err := executor.Execute(context.Background(), types.ExecutionDispatch{RunID: runID, JobKey: "deploy-fail"}, "w1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Outbound) != 1 || res.Outbound[0].Body != "Run "+runID+" failed: Job 'deploy-fail' failed (simulated failure)" {
		t.Fatalf("outbound: %+v", res.Outbound)
	}
	run, _ := repo.GetRun(context.Background(), nil, runID)
	if run.Status != types.StatusFailed {
		t.Fatalf("status: want=Failed got=%s", run.Status)
	}
}

// Simulates a worker dying mid-run: its stale lock is reclaimed and a live
// worker finishes the job.
func TestWorkerReclaimsStaleLockAndFinishes(t *testing.T) {
	orch, repo := newOrchestratorHarness(t)
	runID := approveRun(t, orch, "demo")

	queue := repos.NewMemoryExecutionQueue()
	ctx := context.Background()
	if err := queue.Enqueue(ctx, nil, runID, "demo"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	dead, err := queue.ClaimNext(ctx, nil, "w-dead")
	if err != nil || dead == nil {
		t.Fatalf("ClaimNext: entry=%v err=%v", dead, err)
	}
	queue.BackdateLock(dead.ID, time.Hour)

	executor := &StubExecutor{Orchestrator: orch, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	sink := &captureSink{}
	worker := NewWorker(queue, executor, sink, testLog(t), WorkerConfig{
		WorkerID:           "w-live",
		PollInterval:       5 * time.Millisecond,
		StaleCheckInterval: 5 * time.Millisecond,
		LockTimeout:        time.Minute,
		MaxAttempts:        3,
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- worker.Run(runCtx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		entry, err := queue.Get(ctx, nil, dead.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if entry.Status == types.QueueCompleted {
			if entry.Attempts != 2 {
				t.Errorf("attempts: want=2 got=%d", entry.Attempts)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("entry never completed: %+v", entry)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("worker.Run: %v", err)
	}

	run, _ := repo.GetRun(ctx, nil, runID)
	if run.Status != types.StatusSucceeded {
		t.Fatalf("status: want=Succeeded got=%s", run.Status)
	}
	delivered := sink.all()
	if len(delivered) != 1 || !strings.Contains(delivered[0].Body, "Run "+runID+" succeeded") {
		t.Fatalf("delivered: %+v", delivered)
	}
}
