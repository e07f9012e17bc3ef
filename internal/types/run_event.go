package types

import (
	"time"

	"gorm.io/datatypes"
)

type EventType string

const (
	EventRunCreated          EventType = "RunCreated"
	EventApprovalRequested   EventType = "ApprovalRequested"
	EventRunApproved         EventType = "RunApproved"
	EventRunDenied           EventType = "RunDenied"
	EventExecutionDispatched EventType = "ExecutionDispatched"
	EventExecutionStarted    EventType = "ExecutionStarted"
	EventExecutionSucceeded  EventType = "ExecutionSucceeded"
	EventExecutionFailed     EventType = "ExecutionFailed"
)

// RunEvent rows are append-only: written only inside the transaction that
// performs the state transition producing them, never updated or deleted.
type RunEvent struct {
	ID      int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID   string         `gorm:"column:run_id;not null;index" json:"run_id"`
	Type    EventType      `gorm:"column:type;not null" json:"type"`
	At      time.Time      `gorm:"column:at;not null" json:"at"`
	Actor   string         `gorm:"column:actor;not null" json:"actor"`
	Payload datatypes.JSON `gorm:"column:payload" json:"payload"`
}

func (RunEvent) TableName() string { return "run_event" }
