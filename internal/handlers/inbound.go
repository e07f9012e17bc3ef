package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/textops-io/textops/internal/intent"
	"github.com/textops-io/textops/internal/platform/logger"
	"github.com/textops-io/textops/internal/repos"
	"github.com/textops-io/textops/internal/services"
	"github.com/textops-io/textops/internal/types"
)

// DevChannelID identifies inbound traffic injected through the dev API
// rather than a real messaging provider.
const DevChannelID = "dev"

type InboundRequest struct {
	From              string `json:"from"`
	Conversation      string `json:"conversation"`
	Body              string `json:"body"`
	ProviderMessageID string `json:"providerMessageId"`
}

type OutboundDTO struct {
	Body           string `json:"body"`
	CorrelationID  string `json:"correlationId"`
	IdempotencyKey string `json:"idempotencyKey"`
	ChannelID      string `json:"channelId"`
	Conversation   string `json:"conversation"`
}

type InboundResponse struct {
	IntentType          string        `json:"intentType"`
	JobKey              string        `json:"jobKey,omitempty"`
	RunID               *string       `json:"runId"`
	DispatchedExecution bool          `json:"dispatchedExecution"`
	Outbound            []OutboundDTO `json:"outbound"`
}

type InboundHandler struct {
	log          *logger.Logger
	orchestrator services.Orchestrator
	queue        repos.ExecutionQueue
}

func NewInboundHandler(baseLog *logger.Logger, orchestrator services.Orchestrator, queue repos.ExecutionQueue) *InboundHandler {
	return &InboundHandler{
		log:          baseLog.With("handler", "InboundHandler"),
		orchestrator: orchestrator,
		queue:        queue,
	}
}

// POST /dev/inbound
func (h *InboundHandler) PostInbound(c *gin.Context) {
	var req InboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondProblem(c, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"from", req.From},
		{"conversation", req.Conversation},
		{"body", req.Body},
	} {
		if strings.TrimSpace(field.value) == "" {
			RespondProblem(c, http.StatusBadRequest, "Missing required field",
				"field '"+field.name+"' is required and must not be blank")
			return
		}
	}

	providerMessageID := strings.TrimSpace(req.ProviderMessageID)
	if providerMessageID == "" {
		providerMessageID = uuid.NewString()
	}
	msg := types.InboundMessage{
		ChannelID:         DevChannelID,
		ConversationID:    devPrefixed(req.Conversation),
		From:              devPrefixed(req.From),
		Body:              req.Body,
		ProviderMessageID: providerMessageID,
	}
	parsed := intent.Parse(req.Body)

	res, err := h.orchestrator.HandleInbound(c.Request.Context(), msg, parsed)
	if err != nil {
		h.log.Error("HandleInbound failed", "provider_message_id", providerMessageID, "error", err)
		RespondError(c, err, "failed to process inbound message")
		return
	}
	if res.Dispatch != nil {
		if err := h.queue.Enqueue(c.Request.Context(), nil, res.Dispatch.RunID, res.Dispatch.JobKey); err != nil {
			h.log.Error("Enqueue failed", "run_id", res.Dispatch.RunID, "error", err)
			RespondError(c, err, "failed to enqueue execution")
			return
		}
	}

	resp := InboundResponse{
		IntentType:          string(parsed.Type),
		JobKey:              parsed.JobKey,
		DispatchedExecution: res.DispatchedExecution,
		Outbound:            make([]OutboundDTO, 0, len(res.Outbound)),
	}
	if res.RunID != "" {
		runID := res.RunID
		resp.RunID = &runID
	}
	for _, out := range res.Outbound {
		resp.Outbound = append(resp.Outbound, OutboundDTO{
			Body:           out.Body,
			CorrelationID:  out.CorrelationID,
			IdempotencyKey: out.IdempotencyKey,
			ChannelID:      out.ChannelID,
			Conversation:   out.ConversationID,
		})
	}
	RespondOK(c, resp)
}

func devPrefixed(s string) string {
	if strings.HasPrefix(s, "dev:") {
		return s
	}
	return "dev:" + s
}
