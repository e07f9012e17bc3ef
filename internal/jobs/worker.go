package jobs

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/textops-io/textops/internal/platform/logger"
	"github.com/textops-io/textops/internal/repos"
	"github.com/textops-io/textops/internal/services"
	"github.com/textops-io/textops/internal/types"
)

type WorkerConfig struct {
	WorkerID           string
	PollInterval       time.Duration
	ErrorRetryDelay    time.Duration
	MaxAttempts        int
	LockTimeout        time.Duration
	StaleCheckInterval time.Duration
}

// Worker claims queue entries and drives them through the executor plugin.
// Multiple workers, in-process or across processes, cooperate through the
// queue's atomic claim.
type Worker struct {
	queue    repos.ExecutionQueue
	executor ExecutorPlugin
	sink     services.OutboundSink
	log      *logger.Logger
	cfg      WorkerConfig
}

func NewWorker(queue repos.ExecutionQueue, executor ExecutorPlugin, sink services.OutboundSink, baseLog *logger.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.ErrorRetryDelay <= 0 {
		cfg.ErrorRetryDelay = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Minute
	}
	if cfg.StaleCheckInterval <= 0 {
		cfg.StaleCheckInterval = 1 * time.Minute
	}
	return &Worker{
		queue:    queue,
		executor: executor,
		sink:     sink,
		log:      baseLog.With("component", "Worker", "worker_id", cfg.WorkerID),
		cfg:      cfg,
	}
}

// Run blocks until ctx is canceled, operating the polling task and the
// stale-lock reclaim task.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.pollLoop(ctx) })
	g.Go(func() error { return w.reclaimLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			entry, err := w.queue.ClaimNext(ctx, nil, w.cfg.WorkerID)
			if err != nil {
				w.log.Warn("ClaimNext failed", "error", err)
				continue
			}
			if entry == nil {
				continue
			}
			w.process(ctx, entry)
		}
	}
}

func (w *Worker) process(ctx context.Context, entry *types.QueueEntry) {
	w.log.Info("Processing queue entry", "id", entry.ID, "run_id", entry.RunID, "job_key", entry.JobKey, "attempts", entry.Attempts)
	dispatch := types.ExecutionDispatch{RunID: entry.RunID, JobKey: entry.JobKey}
	res, err := w.execute(ctx, dispatch)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-execution: hand the entry back so another worker
			// can retry; the claim already counted this attempt.
			w.log.Info("Releasing entry on shutdown", "id", entry.ID, "run_id", entry.RunID)
			w.releaseDetached(entry.ID, "shutdown")
			return
		}
		if entry.Attempts < w.cfg.MaxAttempts {
			w.log.Warn("Executor failed, releasing for retry", "id", entry.ID, "run_id", entry.RunID, "attempts", entry.Attempts, "error", err)
			if rErr := w.queue.Release(ctx, nil, entry.ID, err.Error()); rErr != nil {
				w.log.Error("Release failed", "id", entry.ID, "error", rErr)
			}
			w.sleep(ctx, w.cfg.ErrorRetryDelay)
			return
		}
		w.log.Error("Executor failed terminally", "id", entry.ID, "run_id", entry.RunID, "attempts", entry.Attempts, "error", err)
		if cErr := w.queue.Complete(ctx, nil, entry.ID, false, err.Error()); cErr != nil {
			w.log.Error("Complete failed", "id", entry.ID, "error", cErr)
		}
		return
	}
	if res != nil {
		for _, out := range res.Outbound {
			if dErr := w.sink.Deliver(ctx, out); dErr != nil {
				w.log.Warn("Outbound delivery failed", "idempotency_key", out.IdempotencyKey, "error", dErr)
			}
		}
	}
	if cErr := w.queue.Complete(ctx, nil, entry.ID, true, ""); cErr != nil {
		w.log.Error("Complete failed", "id", entry.ID, "error", cErr)
	}
}

func (w *Worker) execute(ctx context.Context, dispatch types.ExecutionDispatch) (res *services.OrchestratorResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Executor panic", "run_id", dispatch.RunID, "panic", r)
			res, err = nil, errors.New("executor panic")
		}
	}()
	return w.executor.Execute(ctx, dispatch, w.cfg.WorkerID)
}

func (w *Worker) reclaimLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.StaleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			count, err := w.queue.ReclaimStale(ctx, nil, w.cfg.LockTimeout)
			if err != nil {
				w.log.Warn("ReclaimStale failed", "error", err)
				continue
			}
			if count > 0 {
				w.log.Info("Reclaimed stale entries", "count", count)
			}
		}
	}
}

// releaseDetached releases with a fresh context; the worker context is
// already canceled when shutdown reaches here.
func (w *Worker) releaseDetached(id int64, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.Release(ctx, nil, id, reason); err != nil {
		w.log.Error("Release on shutdown failed", "id", id, "error", err)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
