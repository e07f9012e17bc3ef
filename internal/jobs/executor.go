package jobs

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/textops-io/textops/internal/services"
	"github.com/textops-io/textops/internal/types"
)

// ExecutorPlugin performs the actual work for a dispatch. Implementations
// must report OnExecutionStarted before work begins and OnExecutionCompleted
// afterwards; the returned result is the orchestrator's answer to the
// completed callback.
type ExecutorPlugin interface {
	Execute(ctx context.Context, dispatch types.ExecutionDispatch, workerID string) (*services.OrchestratorResult, error)
}

// StubExecutor simulates work for tests and the dev API: it sleeps between
// MinDelay and MaxDelay, and any job key containing "fail" fails.
type StubExecutor struct {
	Orchestrator services.Orchestrator
	MinDelay     time.Duration
	MaxDelay     time.Duration
}

func NewStubExecutor(orch services.Orchestrator) *StubExecutor {
	return &StubExecutor{
		Orchestrator: orch,
		MinDelay:     1000 * time.Millisecond,
		MaxDelay:     2000 * time.Millisecond,
	}
}

func (e *StubExecutor) Execute(ctx context.Context, dispatch types.ExecutionDispatch, workerID string) (*services.OrchestratorResult, error) {
	if _, err := e.Orchestrator.OnExecutionStarted(ctx, dispatch.RunID, workerID); err != nil {
		return nil, err
	}
	delay := e.MinDelay
	if e.MaxDelay > e.MinDelay {
		delay += time.Duration(rand.Int63n(int64(e.MaxDelay - e.MinDelay + 1)))
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
	}
	success := !strings.Contains(strings.ToLower(dispatch.JobKey), "fail")
	var summary string
	if success {
		summary = fmt.Sprintf("Job '%s' completed successfully", dispatch.JobKey)
	} else {
		summary = fmt.Sprintf("Job '%s' failed (simulated failure)", dispatch.JobKey)
	}
	return e.Orchestrator.OnExecutionCompleted(ctx, dispatch.RunID, workerID, success, summary)
}
