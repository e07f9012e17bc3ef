package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/textops-io/textops/internal/intent"
	"github.com/textops-io/textops/internal/platform/apierr"
	"github.com/textops-io/textops/internal/platform/logger"
	"github.com/textops-io/textops/internal/repos"
	"github.com/textops-io/textops/internal/types"
)

var ErrRunNotFound = errors.New("run not found")

// SystemChannel routes error outbounds that have no run to attach to.
const SystemChannel = "system"

const helpBody = "Unknown command. Try: run <jobKey>, yes <runId>, no <runId>, status <runId>"

type OrchestratorResult struct {
	RunID               string
	Outbound            []types.OutboundMessage
	DispatchedExecution bool
	Dispatch            *types.ExecutionDispatch
}

type RunTimeline struct {
	Run    *types.Run
	Events []*types.RunEvent
}

// Orchestrator is the single writer for runs, events and the inbox. It is
// stateless between calls; every method is safe for concurrent use because
// all state transitions are compare-and-swapped in the repository.
type Orchestrator interface {
	HandleInbound(ctx context.Context, msg types.InboundMessage, in intent.ParsedIntent) (*OrchestratorResult, error)
	OnExecutionStarted(ctx context.Context, runID, workerID string) (*OrchestratorResult, error)
	OnExecutionCompleted(ctx context.Context, runID, workerID string, success bool, summary string) (*OrchestratorResult, error)
	GetTimeline(ctx context.Context, runID string) (*RunTimeline, error)
}

type orchestrator struct {
	txr  repos.TxRunner
	runs repos.RunRepository
	log  *logger.Logger
}

func NewOrchestrator(txr repos.TxRunner, runs repos.RunRepository, baseLog *logger.Logger) Orchestrator {
	return &orchestrator{
		txr:  txr,
		runs: runs,
		log:  baseLog.With("service", "Orchestrator"),
	}
}

// NewRunID draws 6 uppercase hex characters from a fresh v4 UUID. The space
// is small enough that insert-time collisions are possible; callers
// regenerate once on a primary-key conflict.
func NewRunID() string {
	u := uuid.New()
	return fmt.Sprintf("%02X%02X%02X", u[0], u[1], u[2])
}

func (o *orchestrator) HandleInbound(ctx context.Context, msg types.InboundMessage, in intent.ParsedIntent) (*OrchestratorResult, error) {
	processed, err := o.runs.IsInboxProcessed(ctx, nil, msg.ChannelID, msg.ProviderMessageID)
	if err != nil {
		return nil, err
	}
	if processed {
		o.log.Debug("Duplicate inbound dropped",
			"channel_id", msg.ChannelID, "provider_message_id", msg.ProviderMessageID)
		return &OrchestratorResult{}, nil
	}

	switch in.Type {
	case intent.TypeRunJob:
		if in.JobKey == "" {
			return o.replyOnly(ctx, msg, "Missing job key. Usage: run <jobKey>", "none")
		}
		return o.handleRunJob(ctx, msg, in.JobKey)
	case intent.TypeApproveRun:
		return o.handleApprove(ctx, msg, in.RunID)
	case intent.TypeDenyRun:
		return o.handleDeny(ctx, msg, in.RunID)
	case intent.TypeStatus:
		return o.handleStatus(ctx, msg, in.RunID)
	default:
		return o.replyOnly(ctx, msg, helpBody, "none")
	}
}

// replyOnly records the inbox entry and emits a single reply; used for help
// texts, unknown run ids and status answers that change no run state.
func (o *orchestrator) replyOnly(ctx context.Context, msg types.InboundMessage, body, correlationID string) (*OrchestratorResult, error) {
	err := o.txr.InTx(ctx, func(tx *gorm.DB) error {
		return o.runs.MarkInboxProcessed(ctx, tx, msg.ChannelID, msg.ProviderMessageID, nil)
	})
	if errors.Is(err, repos.ErrAlreadyProcessed) {
		return &OrchestratorResult{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &OrchestratorResult{
		Outbound: []types.OutboundMessage{o.replyTo(msg, body, correlationID)},
	}, nil
}

func (o *orchestrator) handleRunJob(ctx context.Context, msg types.InboundMessage, jobKey string) (*OrchestratorResult, error) {
	for attempt := 0; attempt < 2; attempt++ {
		runID := NewRunID()
		now := time.Now()
		run := &types.Run{
			RunID:              runID,
			JobKey:             jobKey,
			Status:             types.StatusAwaitingApproval,
			CreatedAt:          now,
			UpdatedAt:          now,
			RequestedByAddress: msg.From,
			ChannelID:          msg.ChannelID,
			ConversationID:     msg.ConversationID,
			Version:            1,
		}
		events := []*types.RunEvent{
			{Type: types.EventRunCreated, At: now, Actor: "user:" + msg.From, Payload: mustJSON(map[string]any{"jobKey": jobKey})},
			{Type: types.EventApprovalRequested, At: now, Actor: "system", Payload: mustJSON(map[string]any{"policy": "DefaultRequireApproval"})},
		}
		err := o.txr.InTx(ctx, func(tx *gorm.DB) error {
			if err := o.runs.MarkInboxProcessed(ctx, tx, msg.ChannelID, msg.ProviderMessageID, &runID); err != nil {
				return err
			}
			return o.runs.CreateRun(ctx, tx, run, events)
		})
		if errors.Is(err, repos.ErrAlreadyProcessed) {
			return &OrchestratorResult{}, nil
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			o.log.Warn("Run id collision, regenerating", "run_id", runID)
			continue
		}
		if err != nil {
			return nil, err
		}
		body := fmt.Sprintf("Job %q is ready. Reply YES %s to approve or NO %s to deny.", jobKey, runID, runID)
		return &OrchestratorResult{
			RunID: runID,
			Outbound: []types.OutboundMessage{{
				ChannelID:      msg.ChannelID,
				ConversationID: msg.ConversationID,
				Body:           body,
				CorrelationID:  runID,
				IdempotencyKey: "approval-request:" + runID,
			}},
		}, nil
	}
	return nil, fmt.Errorf("run id collision persisted after regeneration")
}

func (o *orchestrator) handleApprove(ctx context.Context, msg types.InboundMessage, runID string) (*OrchestratorResult, error) {
	run, err := o.runs.GetRun(ctx, nil, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return o.replyOnly(ctx, msg, "Unknown run id: "+runID, "none")
	}
	now := time.Now()
	events := []*types.RunEvent{
		{Type: types.EventRunApproved, At: now, Actor: "user:" + msg.From},
		{Type: types.EventExecutionDispatched, At: now, Actor: "system", Payload: mustJSON(map[string]any{"jobKey": run.JobKey})},
	}
	var updated *types.Run
	err = o.txr.InTx(ctx, func(tx *gorm.DB) error {
		if err := o.runs.MarkInboxProcessed(ctx, tx, msg.ChannelID, msg.ProviderMessageID, &runID); err != nil {
			return err
		}
		var txErr error
		updated, txErr = o.runs.TryUpdateRun(ctx, tx, runID, types.StatusAwaitingApproval, types.StatusDispatching, events)
		return txErr
	})
	if errors.Is(err, repos.ErrAlreadyProcessed) {
		return &OrchestratorResult{}, nil
	}
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return o.stateMismatch(ctx, msg, runID, "approve")
	}
	body := fmt.Sprintf("Approved. Starting run %s for job %q…", runID, updated.JobKey)
	return &OrchestratorResult{
		RunID: runID,
		Outbound: []types.OutboundMessage{{
			ChannelID:      msg.ChannelID,
			ConversationID: msg.ConversationID,
			Body:           body,
			CorrelationID:  runID,
			IdempotencyKey: "approved-starting:" + runID,
		}},
		DispatchedExecution: true,
		Dispatch:            &types.ExecutionDispatch{RunID: runID, JobKey: updated.JobKey},
	}, nil
}

func (o *orchestrator) handleDeny(ctx context.Context, msg types.InboundMessage, runID string) (*OrchestratorResult, error) {
	run, err := o.runs.GetRun(ctx, nil, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return o.replyOnly(ctx, msg, "Unknown run id: "+runID, "none")
	}
	events := []*types.RunEvent{
		{Type: types.EventRunDenied, At: time.Now(), Actor: "user:" + msg.From},
	}
	var updated *types.Run
	err = o.txr.InTx(ctx, func(tx *gorm.DB) error {
		if err := o.runs.MarkInboxProcessed(ctx, tx, msg.ChannelID, msg.ProviderMessageID, &runID); err != nil {
			return err
		}
		var txErr error
		updated, txErr = o.runs.TryUpdateRun(ctx, tx, runID, types.StatusAwaitingApproval, types.StatusDenied, events)
		return txErr
	})
	if errors.Is(err, repos.ErrAlreadyProcessed) {
		return &OrchestratorResult{}, nil
	}
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return o.stateMismatch(ctx, msg, runID, "deny")
	}
	body := fmt.Sprintf("Denied run %s for job %q.", runID, updated.JobKey)
	return &OrchestratorResult{
		RunID: runID,
		Outbound: []types.OutboundMessage{{
			ChannelID:      msg.ChannelID,
			ConversationID: msg.ConversationID,
			Body:           body,
			CorrelationID:  runID,
			IdempotencyKey: "denied:" + runID,
		}},
	}, nil
}

func (o *orchestrator) handleStatus(ctx context.Context, msg types.InboundMessage, runID string) (*OrchestratorResult, error) {
	run, err := o.runs.GetRun(ctx, nil, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return o.replyOnly(ctx, msg, "Unknown run id: "+runID, "none")
	}
	body := fmt.Sprintf("Run %s\nJob: %s\nState: %s\nCreated: %s",
		run.RunID, run.JobKey, run.Status, run.CreatedAt.UTC().Format(time.RFC3339))
	res, err := o.replyOnly(ctx, msg, body, runID)
	if err != nil {
		return nil, err
	}
	if len(res.Outbound) > 0 {
		res.RunID = runID
	}
	return res, nil
}

// stateMismatch re-reads the current status after a failed compare-and-swap
// and reports it; the inbox entry was already recorded, so the losing
// command is never re-applied.
func (o *orchestrator) stateMismatch(ctx context.Context, msg types.InboundMessage, runID, verb string) (*OrchestratorResult, error) {
	status, err := o.runs.GetRunStatus(ctx, nil, runID)
	if err != nil {
		return nil, err
	}
	current := "unknown"
	if status != nil {
		current = status.String()
	}
	body := fmt.Sprintf("Cannot %s run %s in state %s.", verb, runID, current)
	return &OrchestratorResult{
		RunID:    runID,
		Outbound: []types.OutboundMessage{o.replyTo(msg, body, runID)},
	}, nil
}

func (o *orchestrator) OnExecutionStarted(ctx context.Context, runID, workerID string) (*OrchestratorResult, error) {
	run, err := o.runs.GetRun(ctx, nil, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return &OrchestratorResult{
			Outbound: []types.OutboundMessage{systemOutbound(
				fmt.Sprintf("Cannot start execution for unknown run %s.", runID),
				runID, "cannot-start:"+runID)},
		}, nil
	}
	events := []*types.RunEvent{
		{Type: types.EventExecutionStarted, At: time.Now(), Actor: "worker:" + workerID, Payload: mustJSON(map[string]any{"workerId": workerID})},
	}
	updated, err := o.runs.TryUpdateRun(ctx, nil, runID, types.StatusDispatching, types.StatusRunning, events)
	if err != nil {
		return nil, err
	}
	if updated != nil {
		return &OrchestratorResult{RunID: runID}, nil
	}
	status, err := o.runs.GetRunStatus(ctx, nil, runID)
	if err != nil {
		return nil, err
	}
	if status != nil && *status == types.StatusRunning {
		// Duplicate started callback; the first one won.
		return &OrchestratorResult{}, nil
	}
	current := "unknown"
	if status != nil {
		current = status.String()
	}
	return &OrchestratorResult{
		RunID: runID,
		Outbound: []types.OutboundMessage{{
			ChannelID:      run.ChannelID,
			ConversationID: run.ConversationID,
			Body:           fmt.Sprintf("Cannot start run %s in state %s.", runID, current),
			CorrelationID:  runID,
			IdempotencyKey: "cannot-start:" + runID,
		}},
	}, nil
}

func (o *orchestrator) OnExecutionCompleted(ctx context.Context, runID, workerID string, success bool, summary string) (*OrchestratorResult, error) {
	run, err := o.runs.GetRun(ctx, nil, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return &OrchestratorResult{
			Outbound: []types.OutboundMessage{systemOutbound(
				fmt.Sprintf("Cannot complete execution for unknown run %s.", runID),
				runID, "cannot-complete:"+runID)},
		}, nil
	}
	target := types.StatusSucceeded
	evType := types.EventExecutionSucceeded
	verb := "succeeded"
	if !success {
		target = types.StatusFailed
		evType = types.EventExecutionFailed
		verb = "failed"
	}
	events := []*types.RunEvent{
		{Type: evType, At: time.Now(), Actor: "worker:" + workerID, Payload: mustJSON(map[string]any{"workerId": workerID, "summary": summary})},
	}
	// Dispatching is accepted too: the started callback may have been lost.
	updated, err := o.runs.TryUpdateRunFromMultiple(ctx, nil, runID,
		[]types.RunStatus{types.StatusRunning, types.StatusDispatching}, target, events)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		status, err := o.runs.GetRunStatus(ctx, nil, runID)
		if err != nil {
			return nil, err
		}
		if status != nil && status.Terminal() {
			// First completion wins; later callbacks are silent.
			return &OrchestratorResult{}, nil
		}
		current := "unknown"
		if status != nil {
			current = status.String()
		}
		return &OrchestratorResult{
			RunID: runID,
			Outbound: []types.OutboundMessage{{
				ChannelID:      run.ChannelID,
				ConversationID: run.ConversationID,
				Body:           fmt.Sprintf("Cannot complete run %s in state %s.", runID, current),
				CorrelationID:  runID,
				IdempotencyKey: "cannot-complete:" + runID,
			}},
		}, nil
	}
	return &OrchestratorResult{
		RunID: runID,
		Outbound: []types.OutboundMessage{{
			ChannelID:      run.ChannelID,
			ConversationID: run.ConversationID,
			Body:           fmt.Sprintf("Run %s %s: %s", runID, verb, summary),
			CorrelationID:  runID,
			IdempotencyKey: "execution-completed:" + runID,
		}},
	}, nil
}

func (o *orchestrator) GetTimeline(ctx context.Context, runID string) (*RunTimeline, error) {
	run, events, err := o.runs.GetTimeline(ctx, nil, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, apierr.New(http.StatusNotFound, "Run not found", ErrRunNotFound)
	}
	return &RunTimeline{Run: run, Events: events}, nil
}

func (o *orchestrator) replyTo(msg types.InboundMessage, body, correlationID string) types.OutboundMessage {
	return types.OutboundMessage{
		ChannelID:      msg.ChannelID,
		ConversationID: msg.ConversationID,
		Body:           body,
		CorrelationID:  correlationID,
		IdempotencyKey: fmt.Sprintf("reply:%s:%s", msg.ChannelID, msg.ProviderMessageID),
	}
}

func systemOutbound(body, correlationID, idempotencyKey string) types.OutboundMessage {
	return types.OutboundMessage{
		ChannelID:      SystemChannel,
		ConversationID: SystemChannel,
		Body:           body,
		CorrelationID:  correlationID,
		IdempotencyKey: idempotencyKey,
	}
}

func mustJSON(v map[string]any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(b)
}
