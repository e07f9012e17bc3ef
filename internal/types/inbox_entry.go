package types

import "time"

// InboxEntry dedups inbound provider messages. The composite primary key is
// the at-most-once guard for at-least-once upstream delivery.
type InboxEntry struct {
	ChannelID         string    `gorm:"column:channel_id;primaryKey;size:64" json:"channel_id"`
	ProviderMessageID string    `gorm:"column:provider_message_id;primaryKey;size:128" json:"provider_message_id"`
	ProcessedAt       time.Time `gorm:"column:processed_at;not null" json:"processed_at"`
	RunID             *string   `gorm:"column:run_id;size:12" json:"run_id,omitempty"`
}

func (InboxEntry) TableName() string { return "inbox_entry" }
