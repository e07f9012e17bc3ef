package types

// InboundMessage is the transport-neutral form of one provider message.
// ChannelID + ProviderMessageID is the dedup key; ConversationID is the
// reply route.
type InboundMessage struct {
	ChannelID         string `json:"channel_id"`
	ConversationID    string `json:"conversation_id"`
	From              string `json:"from"`
	Body              string `json:"body"`
	ProviderMessageID string `json:"provider_message_id"`
}

// OutboundMessage is an effect produced by the orchestrator. IdempotencyKey
// is deterministic so downstream delivery can suppress duplicates caused by
// at-least-once callbacks.
type OutboundMessage struct {
	ChannelID      string `json:"channel_id"`
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
	CorrelationID  string `json:"correlation_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ExecutionDispatch is the tuple enqueued when a human approves a run.
type ExecutionDispatch struct {
	RunID  string `json:"run_id"`
	JobKey string `json:"job_key"`
}
