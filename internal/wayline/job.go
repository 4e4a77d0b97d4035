package wayline

import "time"

// TaskType selects the start semantics of a job.
type TaskType int

const (
	TaskImmediate TaskType = iota
	TaskTimed
	TaskConditional
)

// Status is the job lifecycle state. SUCCESS, FAILED and CANCELLED are
// terminal; IN_PROGRESS and PAUSED toggle through the pause protocol.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusPaused     Status = "PAUSED"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is one scheduled execution of a pre-built mission file on a dock.
type Job struct {
	ID          string   `json:"job_id"`
	WorkspaceID string   `json:"workspace_id"`
	DockSN      string   `json:"dock_sn"`
	FileID      string   `json:"file_id"`
	Name        string   `json:"name"`
	Status      Status   `json:"status"`
	TaskType    TaskType `json:"task_type"`
	WaylineType int      `json:"wayline_type"`

	RTHAltitude        int `json:"rth_altitude"`
	OutOfControlAction int `json:"out_of_control_action"`

	BeginTime     time.Time `json:"begin_time"`
	EndTime       time.Time `json:"end_time,omitempty"`
	ExecuteTime   time.Time `json:"execute_time,omitempty"`
	CompletedTime time.Time `json:"completed_time,omitempty"`

	ErrorCode  int    `json:"error_code,omitempty"`
	MediaCount int    `json:"media_count,omitempty"`
	ParentID   string `json:"parent_id,omitempty"`
}

// Conditions gate a CONDITIONAL job: readiness (battery, time window on the
// job itself) and executability (storage).
type Conditions struct {
	MinBatteryPercent int `json:"min_battery_percent,omitempty"`
	MinStorageKB      int `json:"min_storage_kb,omitempty"`
}

// Seed is the evictable definition of a conditional job kept in the state
// store until its window closes. Losing it before the scheduled prepare is a
// data-consistency failure, not something to paper over with defaults.
type Seed struct {
	Job        Job        `json:"job"`
	Conditions Conditions `json:"conditions"`
}

// Progress is the live progress slice of a running job.
type Progress struct {
	Percent     int    `json:"percent"`
	CurrentStep string `json:"current_step,omitempty"`
}

// RunningState is the value of the running (and, while paused, the paused)
// pointer for a dock.
type RunningState struct {
	JobID    string   `json:"job_id"`
	Progress Progress `json:"progress"`
}
