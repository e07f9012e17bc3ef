package types

import "time"

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

type QueueEntry struct {
	ID          int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID       string      `gorm:"column:run_id;not null;index" json:"run_id"`
	JobKey      string      `gorm:"column:job_key;not null" json:"job_key"`
	Status      QueueStatus `gorm:"column:status;not null;index;index:idx_queue_status_locked" json:"status"`
	CreatedAt   time.Time   `gorm:"not null" json:"created_at"`
	LockedAt    *time.Time  `gorm:"column:locked_at;index:idx_queue_status_locked" json:"locked_at,omitempty"`
	LockedBy    string      `gorm:"column:locked_by" json:"locked_by"`
	Attempts    int         `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LastError   string      `gorm:"column:last_error" json:"last_error"`
	CompletedAt *time.Time  `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (QueueEntry) TableName() string { return "queue_entry" }
