package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus persists as an integer column. The numbering is a compatibility
// contract with existing rows: Approved, Canceled and TimedOut are reserved
// slots that no transition may enter.
type RunStatus int

const (
	StatusAwaitingApproval RunStatus = 0
	StatusApproved         RunStatus = 1 // reserved
	StatusDenied           RunStatus = 2
	StatusDispatching      RunStatus = 3
	StatusRunning          RunStatus = 4
	StatusSucceeded        RunStatus = 5
	StatusFailed           RunStatus = 6
	StatusCanceled         RunStatus = 7 // reserved
	StatusTimedOut         RunStatus = 8 // reserved
)

var statusNames = map[RunStatus]string{
	StatusAwaitingApproval: "AwaitingApproval",
	StatusApproved:         "Approved",
	StatusDenied:           "Denied",
	StatusDispatching:      "Dispatching",
	StatusRunning:          "Running",
	StatusSucceeded:        "Succeeded",
	StatusFailed:           "Failed",
	StatusCanceled:         "Canceled",
	StatusTimedOut:         "TimedOut",
}

func (s RunStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RunStatus(%d)", int(s))
}

func (s RunStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusDenied
}

func ParseRunStatus(name string) (RunStatus, bool) {
	for s, n := range statusNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, ok := ParseRunStatus(name)
	if !ok {
		return fmt.Errorf("unknown run status %q", name)
	}
	*s = parsed
	return nil
}

type Run struct {
	RunID              string    `gorm:"column:run_id;primaryKey;size:12" json:"run_id"`
	JobKey             string    `gorm:"column:job_key;not null" json:"job_key"`
	Status             RunStatus `gorm:"column:status;not null;index" json:"status"`
	CreatedAt          time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time `gorm:"not null" json:"updated_at"`
	RequestedByAddress string    `gorm:"column:requested_by_address;not null" json:"requested_by_address"`
	ChannelID          string    `gorm:"column:channel_id;not null;index:idx_run_channel_conversation" json:"channel_id"`
	ConversationID     string    `gorm:"column:conversation_id;not null;index:idx_run_channel_conversation" json:"conversation_id"`
	Version            int64     `gorm:"column:version;not null;default:1" json:"version"`
}

func (Run) TableName() string { return "run" }
