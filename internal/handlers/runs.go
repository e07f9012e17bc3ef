package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/textops-io/textops/internal/platform/logger"
	"github.com/textops-io/textops/internal/repos"
	"github.com/textops-io/textops/internal/services"
	"github.com/textops-io/textops/internal/types"
)

type RunDTO struct {
	RunID              string    `json:"runId"`
	JobKey             string    `json:"jobKey"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"createdAt"`
	RequestedByAddress string    `json:"requestedByAddress"`
	ChannelID          string    `json:"channelId"`
	ConversationID     string    `json:"conversationId"`
}

type RunEventDTO struct {
	RunID   string          `json:"runId"`
	Type    string          `json:"type"`
	At      time.Time       `json:"at"`
	Actor   string          `json:"actor"`
	Payload json.RawMessage `json:"payload"`
}

type RunTimelineResponse struct {
	Run    RunDTO        `json:"run"`
	Events []RunEventDTO `json:"events"`
}

type RunsHandler struct {
	log          *logger.Logger
	orchestrator services.Orchestrator
	runs         repos.RunRepository
}

func NewRunsHandler(baseLog *logger.Logger, orchestrator services.Orchestrator, runs repos.RunRepository) *RunsHandler {
	return &RunsHandler{
		log:          baseLog.With("handler", "RunsHandler"),
		orchestrator: orchestrator,
		runs:         runs,
	}
}

// GET /runs/:runId
func (h *RunsHandler) GetRun(c *gin.Context) {
	runID := c.Param("runId")
	timeline, err := h.orchestrator.GetTimeline(c.Request.Context(), runID)
	if err != nil {
		if !errors.Is(err, services.ErrRunNotFound) {
			h.log.Error("GetTimeline failed", "run_id", runID, "error", err)
		}
		RespondError(c, err, "failed to load run timeline")
		return
	}
	events := make([]RunEventDTO, 0, len(timeline.Events))
	for _, ev := range timeline.Events {
		events = append(events, RunEventDTO{
			RunID:   ev.RunID,
			Type:    string(ev.Type),
			At:      ev.At,
			Actor:   ev.Actor,
			Payload: json.RawMessage(ev.Payload),
		})
	}
	RespondOK(c, RunTimelineResponse{Run: toRunDTO(timeline.Run), Events: events})
}

// GET /runs?status=Succeeded&limit=50
func (h *RunsHandler) ListRuns(c *gin.Context) {
	var status *types.RunStatus
	if raw := c.Query("status"); raw != "" {
		parsed, ok := types.ParseRunStatus(raw)
		if !ok {
			RespondProblem(c, http.StatusBadRequest, "Invalid status filter", "unknown status "+raw)
			return
		}
		status = &parsed
	}
	limit := 100
	runs, err := h.runs.ListRuns(c.Request.Context(), nil, status, limit)
	if err != nil {
		h.log.Error("ListRuns failed", "error", err)
		RespondError(c, err, "failed to list runs")
		return
	}
	out := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run))
	}
	RespondOK(c, gin.H{"runs": out})
}

func toRunDTO(run *types.Run) RunDTO {
	return RunDTO{
		RunID:              run.RunID,
		JobKey:             run.JobKey,
		Status:             run.Status.String(),
		CreatedAt:          run.CreatedAt,
		RequestedByAddress: run.RequestedByAddress,
		ChannelID:          run.ChannelID,
		ConversationID:     run.ConversationID,
	}
}
